package chain

// ChangeKind tags an entry in the change feed a committed session
// produces. Projections fan these out to their read models.
type ChangeKind int32

const (
	ChangeBalance ChangeKind = iota + 1
	ChangeAccountStats
	ChangeAssetSupply
	ChangeOrderCreated
	ChangeOrderModified
	ChangeOrderRemoved
	ChangeOrderCancelled
	ChangeCallCreated
	ChangeCallModified
	ChangeCallRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeBalance:
		return "balance"
	case ChangeAccountStats:
		return "account_stats"
	case ChangeAssetSupply:
		return "asset_supply"
	case ChangeOrderCreated:
		return "order_created"
	case ChangeOrderModified:
		return "order_modified"
	case ChangeOrderRemoved:
		return "order_removed"
	case ChangeOrderCancelled:
		return "order_cancelled"
	case ChangeCallCreated:
		return "call_created"
	case ChangeCallModified:
		return "call_modified"
	case ChangeCallRemoved:
		return "call_removed"
	default:
		return "unknown"
	}
}

// Change is one state delta observed by a committed session. Order and
// Call are snapshot copies taken at mutation time, never pointers into
// live state.
type Change struct {
	Kind    ChangeKind
	Account string
	Asset   string
	Value   int64
	OrderID OrderID
	Order   *LimitOrder
	Call    *CallOrder
	Virtual bool
}

// Session journals every mutation made through the state's primitives
// so a failed transaction can be rolled back as a unit. Undo replays
// the inverse closures newest first; Commit discards them and hands the
// accumulated change feed to the caller.
type Session struct {
	st      *State
	undo    []func()
	changes []Change
	closed  bool
}

// Begin opens a session. Nesting is not supported; the engine applies
// transactions one at a time.
func (s *State) Begin() *Session {
	if s.session != nil {
		panic("FATAL: nested undo session")
	}
	sess := &Session{st: s}
	s.session = sess
	return sess
}

// Undo rolls back every mutation recorded since Begin, newest first.
func (ss *Session) Undo() {
	if ss.closed {
		panic("FATAL: undo on closed session")
	}
	for i := len(ss.undo) - 1; i >= 0; i-- {
		ss.undo[i]()
	}
	ss.close()
}

// Commit keeps the mutations and returns the change feed in mutation
// order.
func (ss *Session) Commit() []Change {
	if ss.closed {
		panic("FATAL: commit on closed session")
	}
	changes := ss.changes
	ss.close()
	return changes
}

func (ss *Session) close() {
	ss.closed = true
	ss.undo = nil
	ss.changes = nil
	ss.st.session = nil
}

// record attaches an inverse and a change entry to the active session.
// Outside a session (genesis setup, test fixtures) mutations apply
// directly and nothing is journaled.
func (s *State) record(inverse func(), ch Change) {
	if s.session == nil {
		return
	}
	s.session.undo = append(s.session.undo, inverse)
	s.session.changes = append(s.session.changes, ch)
}
