// Package memory provides an in-memory canonical store backend. It mirrors
// the conflict semantics of the postgres backend (unique-key idempotent
// inserts, settlement exclusivity, optimistic versioning) and backs service
// tests and single-process development runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

type txnKey struct {
	tenant     types.ID
	connection string
	pspTxnID   string
	eventType  model.EventType
}

type settlementKey struct {
	tenant     types.ID
	connection string
	batchID    string
	lineNo     int
}

type fxKey struct {
	from string
	to   string
	date types.Date
}

type connKey struct {
	tenant types.ID
	id     string
}

// state is the full store content. Transactions snapshot it for rollback.
type state struct {
	txns     map[types.ID]model.Transaction
	txnByKey map[txnKey]types.ID

	settlements     map[types.ID]model.Settlement
	settlementByKey map[settlementKey]types.ID

	matches             map[types.ID]model.Match
	matchedBySettlement map[types.ID]types.ID

	exceptions map[types.ID]model.Exception

	ledger []model.LedgerEntry

	fxRates     map[fxKey]model.FXRate
	connections map[connKey]model.Connection
}

func newState() *state {
	return &state{
		txns:                make(map[types.ID]model.Transaction),
		txnByKey:            make(map[txnKey]types.ID),
		settlements:         make(map[types.ID]model.Settlement),
		settlementByKey:     make(map[settlementKey]types.ID),
		matches:             make(map[types.ID]model.Match),
		matchedBySettlement: make(map[types.ID]types.ID),
		exceptions:          make(map[types.ID]model.Exception),
		fxRates:             make(map[fxKey]model.FXRate),
		connections:         make(map[connKey]model.Connection),
	}
}

func (s *state) clone() *state {
	c := &state{
		txns:                make(map[types.ID]model.Transaction, len(s.txns)),
		txnByKey:            make(map[txnKey]types.ID, len(s.txnByKey)),
		settlements:         make(map[types.ID]model.Settlement, len(s.settlements)),
		settlementByKey:     make(map[settlementKey]types.ID, len(s.settlementByKey)),
		matches:             make(map[types.ID]model.Match, len(s.matches)),
		matchedBySettlement: make(map[types.ID]types.ID, len(s.matchedBySettlement)),
		exceptions:          make(map[types.ID]model.Exception, len(s.exceptions)),
		ledger:              make([]model.LedgerEntry, len(s.ledger)),
		fxRates:             make(map[fxKey]model.FXRate, len(s.fxRates)),
		connections:         make(map[connKey]model.Connection, len(s.connections)),
	}
	for k, v := range s.txns {
		c.txns[k] = v
	}
	for k, v := range s.txnByKey {
		c.txnByKey[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	for k, v := range s.settlementByKey {
		c.settlementByKey[k] = v
	}
	for k, v := range s.matches {
		c.matches[k] = v
	}
	for k, v := range s.matchedBySettlement {
		c.matchedBySettlement[k] = v
	}
	for k, v := range s.exceptions {
		c.exceptions[k] = v
	}
	copy(c.ledger, s.ledger)
	for k, v := range s.fxRates {
		c.fxRates[k] = v
	}
	for k, v := range s.connections {
		c.connections[k] = v
	}
	return c
}

// Store is the in-memory RepositoryManager. A single mutex guards the whole
// state; transactions hold it from begin to commit.
type Store struct {
	mu   sync.Mutex
	st   *state
	open bool
	now  canonicalstore.Clock
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// NewStoreWithClock creates a store with a pinned clock for tests.
func NewStoreWithClock(clock canonicalstore.Clock) *Store {
	s := NewStore()
	s.now = clock
	return s
}

// Open marks the store ready.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

// Close marks the store closed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Store) Transactions() canonicalstore.TransactionRepository {
	return &transactionRepo{s: s}
}

func (s *Store) Settlements() canonicalstore.SettlementRepository {
	return &settlementRepo{s: s}
}

func (s *Store) Matches() canonicalstore.MatchRepository {
	return &matchRepo{s: s}
}

func (s *Store) Exceptions() canonicalstore.ExceptionRepository {
	return &exceptionRepo{s: s}
}

func (s *Store) Ledger() canonicalstore.LedgerRepository {
	return &ledgerRepo{s: s}
}

func (s *Store) FXRates() canonicalstore.FXRateRepository {
	return &fxRateRepo{s: s}
}

func (s *Store) Connections() canonicalstore.ConnectionRepository {
	return &connectionRepo{s: s}
}

func (s *Store) System() canonicalstore.SystemRepository {
	return &systemRepo{s: s}
}

// WithTransaction runs fn holding the store lock with a rollback snapshot.
func (s *Store) WithTransaction(ctx context.Context, fn func(canonicalstore.TransactionContext) error) error {
	s.mu.Lock()
	tc := &txContext{s: s, snapshot: s.st.clone()}

	defer func() {
		if r := recover(); r != nil {
			if !tc.done {
				s.st = tc.snapshot
				tc.done = true
				s.mu.Unlock()
			}
			panic(r)
		}
	}()

	if err := fn(tc); err != nil {
		if !tc.done {
			_ = tc.Rollback(ctx)
		}
		return err
	}
	if !tc.done {
		return tc.Commit(ctx)
	}
	return nil
}

// txContext implements TransactionContext over the live state while the
// store lock is held.
type txContext struct {
	s        *Store
	snapshot *state
	done     bool
}

func (t *txContext) Commit(ctx context.Context) error {
	if t.done {
		return canonicalstore.ErrTransactionClosed
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *txContext) Rollback(ctx context.Context) error {
	if t.done {
		return canonicalstore.ErrTransactionClosed
	}
	t.s.st = t.snapshot
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *txContext) Transactions() canonicalstore.TransactionRepository {
	return &transactionRepo{s: t.s, inTx: true}
}

func (t *txContext) Settlements() canonicalstore.SettlementRepository {
	return &settlementRepo{s: t.s, inTx: true}
}

func (t *txContext) Matches() canonicalstore.MatchRepository {
	return &matchRepo{s: t.s, inTx: true}
}

func (t *txContext) Exceptions() canonicalstore.ExceptionRepository {
	return &exceptionRepo{s: t.s, inTx: true}
}

func (t *txContext) Ledger() canonicalstore.LedgerRepository {
	return &ledgerRepo{s: t.s, inTx: true}
}

// lock acquires the store mutex unless the caller is inside a transaction
// that already holds it.
func (s *Store) lock(inTx bool) func() {
	if inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type systemRepo struct {
	s *Store
}

func (r *systemRepo) Ping(ctx context.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.s.open {
		return canonicalstore.ErrStoreClosed
	}
	return nil
}

func (r *systemRepo) InitSchema(ctx context.Context) error {
	return nil
}

func scopeMismatch(op string) error {
	return canonicalstore.NewQueryError(op, "tenant scope mismatch", canonicalstore.ErrTenantScope)
}
