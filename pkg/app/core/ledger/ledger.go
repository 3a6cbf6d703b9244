package ledger

import (
	"fmt"
	"sort"
	"sync"
)

// Ledger holds every (user, asset) balance row.
//
// Mutations happen on the engine's sequencer goroutine; the RWMutex only lets API
// readers take consistent snapshots. Each mutating call either applies fully or
// returns an error without touching any row. Rows touched since the last Commit are
// tracked so a persistent Store can write them in one batch per command.
type Ledger struct {
	mu       sync.RWMutex
	balances map[Key]*Balance
	dirty    map[Key]struct{}
	txns     map[string]struct{} // on-ramp txn ids applied in this process
	newTxns  []string

	store *Store // nil for a purely in-memory ledger
}

// New creates an in-memory ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[Key]*Balance),
		dirty:    make(map[Key]struct{}),
		txns:     make(map[string]struct{}),
	}
}

// NewWithStore creates a ledger backed by store and restores all saved rows.
func NewWithStore(store *Store) (*Ledger, error) {
	l := New()
	l.store = store

	rows, err := store.LoadBalances()
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	for k, b := range rows {
		b := b
		l.balances[k] = &b
	}
	return l, nil
}

// Close closes the underlying store, if any
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// row returns the balance row, creating it lazily. Caller holds the write lock.
func (l *Ledger) row(k Key) *Balance {
	b, ok := l.balances[k]
	if !ok {
		b = &Balance{}
		l.balances[k] = b
	}
	return b
}

// Balance returns a snapshot of one row (zero value if it was never touched).
func (l *Ledger) Balance(userID, asset string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[Key{userID, asset}]; ok {
		return *b
	}
	return Balance{}
}

// Balances returns all of a user's rows keyed by asset.
func (l *Ledger) Balances(userID string) map[string]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Balance)
	for k, b := range l.balances {
		if k.UserID == userID {
			out[k.Asset] = *b
		}
	}
	return out
}

// Total sums Available+Locked of one asset across all users.
func (l *Ledger) Total(asset string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for k, b := range l.balances {
		if k.Asset == asset {
			total += b.Total()
		}
	}
	return total
}

// Credit adds amount to the available balance.
func (l *Ledger) Credit(userID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrAmountMustBePositive, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.creditLocked(Key{userID, asset}, amount)
}

// creditLocked checks the row total, not just Available, so a later Lock or
// Unlock can never overflow either side.
func (l *Ledger) creditLocked(k Key, amount int64) error {
	if _, err := Add(l.peek(k).Total(), amount); err != nil {
		return fmt.Errorf("credit %s: %w", k, err)
	}
	b := l.row(k)
	b.Available += amount
	l.dirty[k] = struct{}{}
	return nil
}

// Deposit credits an external on-ramp transfer once per txnID. An empty txnID
// skips deduplication.
func (l *Ledger) Deposit(userID, asset string, amount int64, txnID string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrAmountMustBePositive, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if txnID != "" {
		seen, err := l.seenTxnLocked(txnID)
		if err != nil {
			return err
		}
		if seen {
			return fmt.Errorf("%w: %s", ErrDuplicateTxn, txnID)
		}
	}
	if err := l.creditLocked(Key{userID, asset}, amount); err != nil {
		return err
	}
	if txnID != "" {
		l.txns[txnID] = struct{}{}
		l.newTxns = append(l.newTxns, txnID)
	}
	return nil
}

func (l *Ledger) seenTxnLocked(txnID string) (bool, error) {
	if _, ok := l.txns[txnID]; ok {
		return true, nil
	}
	if l.store == nil {
		return false, nil
	}
	return l.store.HasTxn(txnID)
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(userID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrAmountMustBePositive, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := Key{userID, asset}
	if have := l.peek(k).Available; have < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientBalance, k, have, amount)
	}
	locked, err := Add(l.peek(k).Locked, amount)
	if err != nil {
		return fmt.Errorf("lock %s: %w", k, err)
	}
	b := l.row(k)
	b.Available -= amount
	b.Locked = locked
	l.dirty[k] = struct{}{}
	return nil
}

// Unlock moves amount from locked back to available. Zero is a no-op.
func (l *Ledger) Unlock(userID, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrAmountMustBePositive, amount)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := Key{userID, asset}
	if have := l.peek(k).Locked; have < amount {
		return fmt.Errorf("%w: %s has %d locked, unlock %d", ErrInsufficientLocked, k, have, amount)
	}
	avail, err := Add(l.peek(k).Available, amount)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", k, err)
	}
	b := l.row(k)
	b.Locked -= amount
	b.Available = avail
	l.dirty[k] = struct{}{}
	return nil
}

// Transfer is one leg of a settlement: amount leaves from's locked balance and
// lands in to's available balance.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount int64
}

// Settle applies all transfers atomically: every leg is checked before any row
// changes. Per-asset totals are unchanged by a successful Settle.
func (l *Ledger) Settle(transfers ...Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// check pass on projected values, so two legs from one row are both covered
	locked := make(map[Key]int64)
	avail := make(map[Key]int64)
	for _, t := range transfers {
		if t.Amount <= 0 {
			return fmt.Errorf("%w: transfer %d of %s", ErrAmountMustBePositive, t.Amount, t.Asset)
		}
		from := Key{t.From, t.Asset}
		if _, ok := locked[from]; !ok {
			locked[from] = l.peek(from).Locked
		}
		if locked[from] < t.Amount {
			return fmt.Errorf("%w: %s has %d locked, settle %d", ErrInsufficientLocked, from, locked[from], t.Amount)
		}
		locked[from] -= t.Amount

		to := Key{t.To, t.Asset}
		if _, ok := avail[to]; !ok {
			avail[to] = l.peek(to).Available
		}
		next, err := Add(avail[to], t.Amount)
		if err != nil {
			return err
		}
		toLocked, ok := locked[to]
		if !ok {
			toLocked = l.peek(to).Locked
		}
		if _, err := Add(next, toLocked); err != nil {
			return fmt.Errorf("settle into %s: %w", to, err)
		}
		avail[to] = next
	}

	for _, t := range transfers {
		from, to := Key{t.From, t.Asset}, Key{t.To, t.Asset}
		l.row(from).Locked -= t.Amount
		l.row(to).Available += t.Amount
		l.dirty[from] = struct{}{}
		l.dirty[to] = struct{}{}
	}
	return nil
}

func (l *Ledger) peek(k Key) Balance {
	if b, ok := l.balances[k]; ok {
		return *b
	}
	return Balance{}
}

// Dirty returns the keys changed since the last Commit, sorted.
func (l *Ledger) Dirty() []Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]Key, 0, len(l.dirty))
	for k := range l.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UserID != keys[j].UserID {
			return keys[i].UserID < keys[j].UserID
		}
		return keys[i].Asset < keys[j].Asset
	})
	return keys
}

// Commit writes every dirty row and new txn id to the store in one batch and
// clears the dirty set. Without a store it only clears the set.
func (l *Ledger) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil && (len(l.dirty) > 0 || len(l.newTxns) > 0) {
		batch := l.store.NewBatch()
		defer batch.Close()
		for k := range l.dirty {
			if err := batch.SaveBalance(k, *l.balances[k]); err != nil {
				return fmt.Errorf("failed to stage balance %s: %w", k, err)
			}
		}
		for _, id := range l.newTxns {
			if err := batch.MarkTxn(id); err != nil {
				return fmt.Errorf("failed to stage txn %s: %w", id, err)
			}
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("failed to commit ledger batch: %w", err)
		}
	}

	clear(l.dirty)
	l.newTxns = l.newTxns[:0]
	return nil
}

// Row is one (user, asset) balance.
type Row struct {
	Key
	Balance
}

// Rows returns every row ordered by user then asset.
func (l *Ledger) Rows() []Row {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rows := make([]Row, 0, len(l.balances))
	for k, b := range l.balances {
		rows = append(rows, Row{Key: k, Balance: *b})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UserID != rows[j].UserID {
			return rows[i].UserID < rows[j].UserID
		}
		return rows[i].Asset < rows[j].Asset
	})
	return rows
}

// ReleaseAllLocks moves every locked amount back to available. Used at startup,
// when no order book survived the restart to back the locks.
func (l *Ledger) ReleaseAllLocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.balances {
		if b.Locked == 0 {
			continue
		}
		b.Available += b.Locked
		b.Locked = 0
		l.dirty[k] = struct{}{}
		n++
	}
	return n
}
