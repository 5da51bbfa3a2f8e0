package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"DexLedger/internal/observability"
	"DexLedger/internal/projection"
	"DexLedger/internal/query"
)

// Server exposes the read API over HTTP/JSON, a websocket feed for
// order activity, and a gRPC endpoint carrying health and reflection
// services. The JSON routes are mounted on a gRPC-Gateway mux so the
// wire format matches the rest of the ecosystem's gateways.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string

	deps Deps
	log  zerolog.Logger
}

// Deps holds everything the API serves from.
type Deps struct {
	DB            *sql.DB
	Query         *query.Service
	History       *projection.OrderHistory
	Hub           *WSHub
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

func New(grpcAddr, httpAddr string, deps Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		log:        observability.NewLogger("server"),
	}
}

// StartGRPC serves the gRPC endpoint until ctx is cancelled. Blocking.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("grpc server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API until ctx is cancelled. Blocking.
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	if s.deps.Hub != nil {
		httpMux.HandleFunc("/v1/ws", s.deps.Hub.ServeWS)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method   string
		pattern  string
		endpoint string
		handle   func(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error)
	}{
		{"GET", "/v1/accounts/{account}/balances", "balances", s.handleBalances},
		{"GET", "/v1/accounts/{account}/balances/{asset}", "balance", s.handleBalance},
		{"GET", "/v1/accounts/{account}/orders", "account_orders", s.handleAccountOrders},
		{"GET", "/v1/accounts/{account}/positions", "account_positions", s.handleAccountPositions},
		{"GET", "/v1/accounts/{account}/history", "account_history", s.handleAccountHistory},
		{"GET", "/v1/markets/{sell_asset}/{receive_asset}/orders", "market_orders", s.handleMarketOrders},
		{"GET", "/v1/assets/{asset}/positions", "asset_positions", s.handleAssetPositions},
		{"GET", "/v1/transactions", "transactions", s.handleTransactions},
		{"GET", "/v1/transactions/{tx_id}", "transaction", s.handleTransaction},
		{"GET", "/v1/admin/integrity", "integrity", s.handleIntegrity},
		{"POST", "/v1/admin/rebuild-projections", "rebuild", s.handleRebuild},
	}

	for _, r := range routes {
		r := r
		err := mux.HandlePath(r.method, r.pattern,
			func(w http.ResponseWriter, req *http.Request, params map[string]string) {
				s.serve(w, req, r.endpoint, params, r.handle)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) serve(
	w http.ResponseWriter,
	r *http.Request,
	endpoint string,
	params map[string]string,
	handle func(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error),
) {
	start := time.Now()

	result, err := handle(r.Context(), r, params)
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	} else if result == nil {
		status = http.StatusNotFound
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("query failed")
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	case result == nil:
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	default:
		json.NewEncoder(w).Encode(result)
	}
}

func (s *Server) handleBalances(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	balances, err := s.deps.Query.GetBalances(ctx, params["account"])
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"balances": balances}, nil
}

func (s *Server) handleBalance(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	return s.deps.Query.GetBalance(ctx, params["account"], params["asset"])
}

func (s *Server) handleAccountOrders(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	orders, err := s.deps.Query.GetOpenOrders(ctx, params["account"], pageSize(r))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"orders": orders}, nil
}

func (s *Server) handleAccountPositions(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	positions, err := s.deps.Query.GetCallPositions(ctx, params["account"])
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"positions": positions}, nil
}

func (s *Server) handleAccountHistory(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	if s.deps.History == nil {
		return map[string]interface{}{"activity": []struct{}{}}, nil
	}
	activity := s.deps.History.ByAccount(params["account"], pageSize(r))
	return map[string]interface{}{"activity": activity}, nil
}

func (s *Server) handleMarketOrders(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	orders, err := s.deps.Query.GetMarketOrders(ctx, params["sell_asset"], params["receive_asset"], pageSize(r))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"orders": orders}, nil
}

func (s *Server) handleAssetPositions(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	positions, err := s.deps.Query.GetAssetCallPositions(ctx, params["asset"])
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"positions": positions}, nil
}

func (s *Server) handleTransactions(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	var after *int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid after cursor: %w", err)
		}
		after = &n
	}
	txs, err := s.deps.Query.ListTransactions(ctx, pageSize(r), after)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"transactions": txs}, nil
}

func (s *Server) handleTransaction(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	return s.deps.Query.GetTransaction(ctx, params["tx_id"])
}

func (s *Server) handleIntegrity(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	return s.deps.Query.VerifyIntegrity(ctx)
}

func (s *Server) handleRebuild(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error) {
	if err := projection.Rebuild(ctx, s.deps.DB); err != nil {
		return nil, err
	}
	return map[string]bool{"rebuilt": true}, nil
}

func pageSize(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return 50
}
