package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/credits/pkg/ledger/model"
)

// MemoryStore implements Store in process memory.
// All data is lost when the process exits.
//
// Each endpoint limit has its own mutex, so debits on different endpoints
// never contend. The record map is guarded by an RWMutex that is only held
// for lookups and structural changes.
type MemoryStore struct {
	// records maps user to record.
	records map[string]*memRecord

	// mu protects records and the limit maps inside them.
	mu sync.RWMutex

	// txMu protects txlog and txIDs.
	txMu  sync.Mutex
	txlog []model.TransactionEntry
	txIDs map[string]struct{}

	// maxTransactions bounds the in-memory log; oldest entries are dropped.
	maxTransactions int

	closed bool
}

type memRecord struct {
	createdAt time.Time
	updatedAt time.Time
	limits    map[string]*memLimit
}

type memLimit struct {
	mu    sync.Mutex
	limit model.EndpointLimit
}

// MemoryStoreConfig configures the memory store.
type MemoryStoreConfig struct {
	// MaxTransactions is the maximum number of log entries retained.
	// Default: 1,000,000
	MaxTransactions int
}

// NewMemoryStore creates a memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryStoreConfig{})
}

// NewMemoryStoreWithConfig creates a memory store with custom configuration.
func NewMemoryStoreWithConfig(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = 1_000_000
	}
	return &MemoryStore{
		records:         make(map[string]*memRecord),
		txIDs:           make(map[string]struct{}),
		maxTransactions: cfg.MaxTransactions,
	}
}

// lookup returns the limit cell for user/endpoint without locking it.
func (m *MemoryStore) lookup(user, endpoint string) (*memLimit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	rec, ok := m.records[user]
	if !ok {
		return nil, model.ErrEndpointNotConfigured
	}
	cell, ok := rec.limits[endpoint]
	if !ok {
		return nil, model.ErrEndpointNotConfigured
	}
	return cell, nil
}

// EnsureRecord creates an empty record for user if none exists.
func (m *MemoryStore) EnsureRecord(ctx context.Context, user string, now time.Time) (bool, error) {
	if user == "" {
		return false, model.ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed
	}
	if _, ok := m.records[user]; ok {
		return false, nil
	}
	m.records[user] = &memRecord{createdAt: now, updatedAt: now, limits: make(map[string]*memLimit)}
	return true, nil
}

// GetRecord returns a snapshot of the user's record.
func (m *MemoryStore) GetRecord(ctx context.Context, user string) (*model.LedgerRecord, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, errClosed
	}
	rec, ok := m.records[user]
	if !ok {
		m.mu.RUnlock()
		return nil, model.ErrRecordNotFound
	}
	out := &model.LedgerRecord{
		User:          user,
		Limits:        make(map[string]model.EndpointLimit, len(rec.limits)),
		SchemaVersion: model.CurrentSchemaVersion,
		CreatedAt:     rec.createdAt,
		UpdatedAt:     rec.updatedAt,
	}
	cells := make([]*memLimit, 0, len(rec.limits))
	for _, cell := range rec.limits {
		cells = append(cells, cell)
	}
	m.mu.RUnlock()

	for _, cell := range cells {
		cell.mu.Lock()
		out.Limits[cell.limit.Endpoint] = cell.limit.Clone()
		cell.mu.Unlock()
	}
	return out, nil
}

// GetLimit returns a snapshot of one limit.
func (m *MemoryStore) GetLimit(ctx context.Context, user, endpoint string) (*model.EndpointLimit, error) {
	cell, err := m.lookup(user, endpoint)
	if err != nil {
		return nil, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	l := cell.limit.Clone()
	return &l, nil
}

// UpsertLimit creates or patches a limit.
func (m *MemoryStore) UpsertLimit(ctx context.Context, user string, update model.LimitUpdate, now time.Time) (*model.EndpointLimit, error) {
	if user == "" {
		return nil, model.ErrInvalidRequest
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	rec, ok := m.records[user]
	if !ok {
		rec = &memRecord{createdAt: now, limits: make(map[string]*memLimit)}
		m.records[user] = rec
	}
	rec.updatedAt = now
	cell, ok := rec.limits[update.Endpoint]
	if !ok {
		cell = &memLimit{limit: model.NewEndpointLimit(update.Endpoint)}
		rec.limits[update.Endpoint] = cell
	}
	m.mu.Unlock()

	cell.mu.Lock()
	defer cell.mu.Unlock()
	cell.limit = update.Apply(cell.limit)
	l := cell.limit.Clone()
	return &l, nil
}

// RemoveLimit deletes a limit.
func (m *MemoryStore) RemoveLimit(ctx context.Context, user, endpoint string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	rec, ok := m.records[user]
	if !ok {
		return model.ErrEndpointNotConfigured
	}
	if _, ok := rec.limits[endpoint]; !ok {
		return model.ErrEndpointNotConfigured
	}
	delete(rec.limits, endpoint)
	rec.updatedAt = now
	return nil
}

// Debit applies a conditional decrement under the limit's lock.
func (m *MemoryStore) Debit(ctx context.Context, op DebitOp) (*DebitOutcome, error) {
	if err := validateDebit(op); err != nil {
		return nil, err
	}
	cell, err := m.lookup(op.User, op.Endpoint)
	if err != nil {
		return nil, model.NewLedgerError("debit", op.User, op.Endpoint, err)
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	l := &cell.limit
	if prior, ok := m.priorDebit(op.OpID); ok {
		return prior, nil
	}
	if !l.Enabled {
		return nil, model.NewLedgerError("debit", op.User, op.Endpoint, model.ErrEndpointDisabled)
	}

	out := &DebitOutcome{}
	var entries []model.TransactionEntry
	if l.TokenCredits < op.Amount {
		if !l.AutoRefillEnabled || !l.RefillDue(op.Now) || l.TokenCredits+l.RefillAmount < op.Amount {
			return nil, insufficient(op, l.TokenCredits)
		}
		l.TokenCredits += l.RefillAmount
		l.LastRefill = op.Now
		out.Refilled = true
		out.RefillAmount = l.RefillAmount
		entry := refillEntry(op.User, op.Endpoint, model.ContextAutoRefill, l.RefillAmount, l.TokenCredits, op.Now)
		entry.ID = autoRefillEntryID(op.OpID)
		entries = append(entries, entry)
	}
	l.TokenCredits -= op.Amount
	l.LastUsed = op.Now
	out.Balance = l.TokenCredits
	entries = append(entries, debitEntry(op, l.TokenCredits))

	m.appendEntries(entries...)
	return out, nil
}

// Refill applies a due refill under the limit's lock.
func (m *MemoryStore) Refill(ctx context.Context, op RefillOp) (*RefillOutcome, error) {
	cell, err := m.lookup(op.User, op.Endpoint)
	if err != nil {
		return nil, model.NewLedgerError("refill", op.User, op.Endpoint, err)
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	l := &cell.limit
	if (op.RequireAutoRefill && !l.AutoRefillEnabled) || !l.RefillDue(op.Now) {
		return &RefillOutcome{Balance: l.TokenCredits}, nil
	}
	l.TokenCredits += l.RefillAmount
	l.LastRefill = op.Now
	m.appendEntries(refillEntry(op.User, op.Endpoint, op.Context, l.RefillAmount, l.TokenCredits, op.Now))
	return &RefillOutcome{Refilled: true, Amount: l.RefillAmount, Balance: l.TokenCredits}, nil
}

// Adjust applies a signed delta under the limit's lock.
func (m *MemoryStore) Adjust(ctx context.Context, op AdjustOp) (*AdjustOutcome, error) {
	cell, err := m.lookup(op.User, op.Endpoint)
	if err != nil {
		return nil, model.NewLedgerError("adjust", op.User, op.Endpoint, err)
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	l := &cell.limit
	if prior, ok := m.findEntry(op.OpID); ok {
		return &AdjustOutcome{Balance: prior.Balance}, nil
	}
	if l.TokenCredits+op.Delta < 0 {
		return nil, &model.LedgerError{Op: "adjust", User: op.User, Endpoint: op.Endpoint,
			Balance: l.TokenCredits, Requested: -op.Delta, Err: model.ErrInsufficientCredits}
	}
	l.TokenCredits += op.Delta
	m.appendEntries(adjustEntry(op, l.TokenCredits))
	return &AdjustOutcome{Balance: l.TokenCredits}, nil
}

// SwapAlertState writes alert state if the version matches.
func (m *MemoryStore) SwapAlertState(ctx context.Context, user, endpoint string, expectVersion int64, next model.AlertState) error {
	cell, err := m.lookup(user, endpoint)
	if err != nil {
		return model.NewLedgerError("alerts", user, endpoint, err)
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	l := &cell.limit
	if l.AlertVersion != expectVersion {
		return model.NewLedgerError("alerts", user, endpoint, model.ErrStorageConflict)
	}
	l.AlertsSent = slices.Clone(next.Sent)
	l.AlertBalance = next.ObservedBalance
	l.LastAlertReset = next.LastReset
	l.AlertVersion = expectVersion + 1
	return nil
}

// ListAutoRefill returns every limit with auto-refill enabled.
func (m *MemoryStore) ListAutoRefill(ctx context.Context) ([]model.LimitRef, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, errClosed
	}
	type pending struct {
		ref  model.LimitRef
		cell *memLimit
	}
	var cells []pending
	for user, rec := range m.records {
		for endpoint, cell := range rec.limits {
			cells = append(cells, pending{model.LimitRef{User: user, Endpoint: endpoint}, cell})
		}
	}
	m.mu.RUnlock()

	var refs []model.LimitRef
	for _, p := range cells {
		p.cell.mu.Lock()
		enabled := p.cell.limit.AutoRefillEnabled
		p.cell.mu.Unlock()
		if enabled {
			refs = append(refs, p.ref)
		}
	}
	sortRefs(refs)
	return refs, nil
}

// ListUsers returns every user with a record.
func (m *MemoryStore) ListUsers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	users := make([]string, 0, len(m.records))
	for user := range m.records {
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// AppendTransaction stores an out-of-band entry.
func (m *MemoryStore) AppendTransaction(ctx context.Context, entry model.TransactionEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.appendEntries(entry)
	return nil
}

// Transactions returns matching entries, oldest first.
func (m *MemoryStore) Transactions(ctx context.Context, filter TxFilter) ([]model.TransactionEntry, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	var out []model.TransactionEntry
	for _, entry := range m.txlog {
		if !filter.Match(entry) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// findEntry returns the retained log entry with the given ID.
func (m *MemoryStore) findEntry(id string) (model.TransactionEntry, bool) {
	if id == "" {
		return model.TransactionEntry{}, false
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if _, ok := m.txIDs[id]; !ok {
		return model.TransactionEntry{}, false
	}
	for i := len(m.txlog) - 1; i >= 0; i-- {
		if m.txlog[i].ID == id {
			return m.txlog[i], true
		}
	}
	return model.TransactionEntry{}, false
}

// priorDebit rebuilds the outcome of an already applied debit.
func (m *MemoryStore) priorDebit(opID string) (*DebitOutcome, bool) {
	entry, ok := m.findEntry(opID)
	if !ok {
		return nil, false
	}
	out := &DebitOutcome{Balance: entry.Balance}
	if refill, ok := m.findEntry(autoRefillEntryID(opID)); ok {
		out.Refilled = true
		out.RefillAmount = refill.TokenValue
	}
	return out, true
}

func (m *MemoryStore) appendEntries(entries ...model.TransactionEntry) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	for _, entry := range entries {
		if _, dup := m.txIDs[entry.ID]; dup {
			continue
		}
		m.txIDs[entry.ID] = struct{}{}
		m.txlog = append(m.txlog, entry)
	}
	if overflow := len(m.txlog) - m.maxTransactions; overflow > 0 {
		for _, dropped := range m.txlog[:overflow] {
			delete(m.txIDs, dropped.ID)
		}
		m.txlog = slices.Clone(m.txlog[overflow:])
	}
}

// Ping reports whether the store is open.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errClosed = errors.Join(model.ErrStorageUnavailable, errors.New("store is closed"))

// opEntryID returns the transaction ID for an operation: its OpID when set,
// otherwise a fresh one.
func opEntryID(opID string) string {
	if opID == "" {
		return uuid.NewString()
	}
	return opID
}

// autoRefillEntryID names the auto-refill entry written with debit opID.
func autoRefillEntryID(opID string) string {
	if opID == "" {
		return uuid.NewString()
	}
	return opID + ":refill"
}

func debitEntry(op DebitOp, balance int64) model.TransactionEntry {
	return model.TransactionEntry{
		ID:         opEntryID(op.OpID),
		User:       op.User,
		Endpoint:   op.Endpoint,
		TokenType:  op.TokenType,
		Context:    model.ContextDebit,
		RawAmount:  op.RawAmount,
		TokenValue: -op.Amount,
		Balance:    balance,
		CreatedAt:  op.Now,
	}
}

func refillEntry(user, endpoint string, ctx model.TxContext, amount, balance int64, now time.Time) model.TransactionEntry {
	return model.TransactionEntry{
		ID:         uuid.NewString(),
		User:       user,
		Endpoint:   endpoint,
		TokenType:  model.TokenCredits,
		Context:    ctx,
		RawAmount:  amount,
		TokenValue: amount,
		Balance:    balance,
		CreatedAt:  now,
	}
}

func adjustEntry(op AdjustOp, balance int64) model.TransactionEntry {
	raw := op.Delta
	if raw < 0 {
		raw = -raw
	}
	return model.TransactionEntry{
		ID:         opEntryID(op.OpID),
		User:       op.User,
		Endpoint:   op.Endpoint,
		TokenType:  model.TokenCredits,
		Context:    model.ContextAdjustment,
		RawAmount:  raw,
		TokenValue: op.Delta,
		Balance:    balance,
		CreatedAt:  op.Now,
	}
}

func sortRefs(refs []model.LimitRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].User != refs[j].User {
			return refs[i].User < refs[j].User
		}
		return refs[i].Endpoint < refs[j].Endpoint
	})
}
