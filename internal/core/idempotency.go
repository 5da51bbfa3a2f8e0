package core

import "container/list"

// DBIdempotencyChecker is the cold-path duplicate lookup backed by the
// transaction log in Postgres.
type DBIdempotencyChecker interface {
	IsDuplicate(txID string) (bool, error)
}

// IdempotencyChecker deduplicates transaction IDs in two tiers: an
// in-memory LRU for the hot path and Postgres for IDs that have aged
// out of it. A DB error is treated as "not a duplicate" so a database
// hiccup degrades to reprocessing risk instead of blocking the stream;
// the event log's unique constraint is the final backstop.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker

	lruHits  int64
	dbHits   int64
	dbErrors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate reports whether the transaction was already processed.
func (ic *IdempotencyChecker) IsDuplicate(txID string) bool {
	if ic.lru.contains(txID) {
		ic.lruHits++
		return true
	}
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(txID)
		if err != nil {
			ic.dbErrors++
			return false
		}
		if isDup {
			ic.dbHits++
			ic.lru.add(txID)
			return true
		}
	}
	return false
}

// SetDBChecker attaches (or detaches) the cold-path lookup. Recovery
// replays the chain log with the DB tier detached: every replayed
// transaction is already in the log, and the DB tier would report it
// as a duplicate before it could be re-applied.
func (ic *IdempotencyChecker) SetDBChecker(dbChecker DBIdempotencyChecker) {
	ic.dbChecker = dbChecker
}

// MarkProcessed records a transaction ID after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(txID string) {
	ic.lru.add(txID)
}

// Warm preloads recently processed IDs so a freshly restarted node does
// not pay a DB lookup for each of them.
func (ic *IdempotencyChecker) Warm(txIDs []string) {
	for _, id := range txIDs {
		ic.lru.add(id)
	}
}

// Stats returns (lru hits, db hits, db errors) for metrics export.
func (ic *IdempotencyChecker) Stats() (int64, int64, int64) {
	return ic.lruHits, ic.dbHits, ic.dbErrors
}

// Size returns the number of cached IDs.
func (ic *IdempotencyChecker) Size() int { return ic.lru.size() }

// idempotencyLRU is a plain LRU over transaction IDs.
// Not thread-safe: only the single-threaded engine touches it.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.order.MoveToFront(elem)
	}
	return exists
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
	}
}

func (lru *idempotencyLRU) size() int { return lru.order.Len() }
