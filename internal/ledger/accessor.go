package ledger

import (
	"fmt"
	"sort"
	"sync"

	fpmath "OutcomeLedger/internal/math"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic journal ids so replayed commands
// regenerate identical rows.
var journalNamespace = uuid.MustParse("6b1c2f4e-6a55-4d0e-9a43-1f0f5b6c8d21")

// Ledger owns balances and the asset registry. All mutation goes through Tx.
// At most one Tx is open at a time; it holds the write lock until Commit or
// Rollback, which makes transactions serializable.
type Ledger struct {
	mu        sync.RWMutex
	tracker   *BalanceTracker
	assets    map[Address]*Asset
	validator *InvariantValidator
}

func New() *Ledger {
	tracker := NewBalanceTracker()
	return &Ledger{
		tracker:   tracker,
		assets:    make(map[Address]*Asset),
		validator: NewInvariantValidator(tracker),
	}
}

// Begin opens a transaction. Blocks while another transaction is open.
func (l *Ledger) Begin(eventRef string, sequence, timestamp int64) *Tx {
	l.mu.Lock()
	return &Tx{
		l: l,
		batch: &Batch{
			BatchID:   uuid.NewSHA1(journalNamespace, []byte(eventRef)),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
		deltas:  make(map[AccountKey]int64),
		created: make(map[Address]*Asset),
		revoked: make(map[Address]bool),
	}
}

// BalanceOf returns holder's committed balance of asset
func (l *Ledger) BalanceOf(assetID, holder Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.GetHolderBalance(holder, assetID)
}

// Outstanding returns the committed circulating supply of asset
func (l *Ledger) Outstanding(assetID Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.Outstanding(assetID)
}

// Asset returns a copy of the registered asset
func (l *Ledger) Asset(id Address) (Asset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.assets[id]
	if !ok {
		return Asset{}, false
	}
	return *a.clone(), true
}

// Assets returns copies of all registered assets ordered by id
func (l *Ledger) Assets() []Asset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Asset, 0, len(l.assets))
	for _, a := range l.assets {
		out = append(out, *a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].ID[:]) < string(out[j].ID[:])
	})
	return out
}

// Balances returns a copy of every non-zero account balance
func (l *Ledger) Balances() map[AccountKey]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.Snapshot()
}

// Validator exposes invariant checks over committed state.
// Callers must not run it concurrently with an open Tx on another goroutine.
func (l *Ledger) Validator() *InvariantValidator {
	return l.validator
}

// Restore replaces all state. Used on startup from a snapshot.
func (l *Ledger) Restore(balances map[AccountKey]int64, assets []Asset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracker = NewBalanceTracker()
	for k, v := range balances {
		l.tracker.SetBalance(k, v)
	}
	l.validator = NewInvariantValidator(l.tracker)
	l.assets = make(map[Address]*Asset, len(assets))
	for i := range assets {
		l.assets[assets[i].ID] = assets[i].clone()
	}
}

// Tx stages journals, asset creations and authority revocations.
// Nothing is visible to other readers until Commit.
type Tx struct {
	l       *Ledger
	batch   *Batch
	deltas  map[AccountKey]int64
	created map[Address]*Asset
	revoked map[Address]bool
	closed  bool
}

func (tx *Tx) balance(key AccountKey) int64 {
	return tx.l.tracker.GetBalance(key) + tx.deltas[key]
}

func (tx *Tx) asset(id Address) (*Asset, bool) {
	if a, ok := tx.created[id]; ok {
		return a, true
	}
	a, ok := tx.l.assets[id]
	return a, ok
}

// Balance returns the staged balance of any account
func (tx *Tx) Balance(key AccountKey) int64 {
	return tx.balance(key)
}

// BalanceOf returns the staged balance
func (tx *Tx) BalanceOf(assetID, holder Address) int64 {
	return tx.balance(NewHolderAccountKey(holder, assetID))
}

// Outstanding returns the staged circulating supply
func (tx *Tx) Outstanding(assetID Address) int64 {
	return -tx.balance(NewIssuanceAccountKey(assetID))
}

// Asset returns a copy of a committed or staged asset
func (tx *Tx) Asset(id Address) (Asset, bool) {
	a, ok := tx.asset(id)
	if !ok {
		return Asset{}, false
	}
	c := a.clone()
	if tx.revoked[id] {
		c.MintAuthority = nil
	}
	return *c, true
}

// CreateAsset stages a new asset
func (tx *Tx) CreateAsset(a Asset) error {
	if tx.closed {
		return ErrTxClosed
	}
	if _, ok := tx.asset(a.ID); ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, a.ID.Short())
	}
	if err := a.Denomination().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDecimalsMismatch, err)
	}
	tx.created[a.ID] = a.clone()
	return nil
}

// Mint increases holder `to` and outstanding supply by amount.
func (tx *Tx) Mint(assetID, to Address, amount int64, authority Address, jt JournalType) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	a, ok := tx.asset(assetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID.Short())
	}
	if a.MintRevoked() || tx.revoked[assetID] {
		return fmt.Errorf("%w: %s", ErrMintAuthorityRevoked, a.Name)
	}
	if *a.MintAuthority != authority {
		return fmt.Errorf("%w: %s", ErrMintAuthorityMismatch, a.Name)
	}

	holder := NewHolderAccountKey(to, assetID)
	issuance := NewIssuanceAccountKey(assetID)
	if _, ok := fpmath.CheckedAdd(tx.balance(holder), amount); !ok {
		return ErrAmountOverflow
	}
	if _, ok := fpmath.CheckedSub(tx.balance(issuance), amount); !ok {
		return ErrAmountOverflow
	}

	tx.stage(holder, issuance, assetID, amount, jt)
	return nil
}

// Burn decreases holder `from` and outstanding supply by amount.
func (tx *Tx) Burn(assetID, from Address, amount int64, jt JournalType) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	if _, ok := tx.asset(assetID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID.Short())
	}

	holder := NewHolderAccountKey(from, assetID)
	if have := tx.balance(holder); have < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, have, amount)
	}

	tx.stage(NewIssuanceAccountKey(assetID), holder, assetID, amount, jt)
	return nil
}

// Transfer moves amount between holders.
func (tx *Tx) Transfer(assetID, from, to Address, amount int64, jt JournalType) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	if _, ok := tx.asset(assetID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID.Short())
	}

	src := NewHolderAccountKey(from, assetID)
	dst := NewHolderAccountKey(to, assetID)
	if have := tx.balance(src); have < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, have, amount)
	}
	if _, ok := fpmath.CheckedAdd(tx.balance(dst), amount); !ok {
		return ErrAmountOverflow
	}

	tx.stage(dst, src, assetID, amount, jt)
	return nil
}

// TransferChecked is Transfer that also asserts the caller's view of the
// asset's decimals.
func (tx *Tx) TransferChecked(assetID, from, to Address, amount int64, decimals uint8, jt JournalType) error {
	a, ok := tx.asset(assetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID.Short())
	}
	if a.Decimals != decimals {
		return fmt.Errorf("%w: asset %s has %d, caller expected %d", ErrDecimalsMismatch, a.Name, a.Decimals, decimals)
	}
	return tx.Transfer(assetID, from, to, amount, jt)
}

// RevokeMintAuthority clears the mint authority of asset permanently.
// current must be the present authority.
func (tx *Tx) RevokeMintAuthority(assetID, current Address) error {
	if tx.closed {
		return ErrTxClosed
	}
	a, ok := tx.asset(assetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID.Short())
	}
	if a.MintRevoked() || tx.revoked[assetID] {
		return fmt.Errorf("%w: %s", ErrMintAuthorityRevoked, a.Name)
	}
	if *a.MintAuthority != current {
		return fmt.Errorf("%w: %s", ErrMintAuthorityMismatch, a.Name)
	}
	tx.revoked[assetID] = true
	return nil
}

// Batch returns the staged journals
func (tx *Tx) Batch() *Batch {
	return tx.batch
}

func (tx *Tx) stage(debit, credit AccountKey, assetID Address, amount int64, jt JournalType) {
	idx := len(tx.batch.Journals)
	tx.batch.Journals = append(tx.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s/%d", tx.batch.EventRef, idx))),
		BatchID:       tx.batch.BatchID,
		EventRef:      tx.batch.EventRef,
		Sequence:      tx.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     tx.batch.Timestamp,
	})
	tx.deltas[debit] += amount
	tx.deltas[credit] -= amount
}

// Commit applies all staged changes atomically and releases the ledger.
// The returned batch may be empty when the transaction only changed assets.
func (tx *Tx) Commit() (*Batch, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	defer tx.close()

	if len(tx.batch.Journals) > 0 {
		if err := tx.l.validator.ValidateBatchBalance(tx.batch); err != nil {
			return nil, err
		}
	}

	for id, a := range tx.created {
		tx.l.assets[id] = a
	}
	for id := range tx.revoked {
		tx.l.assets[id].MintAuthority = nil
	}
	for _, j := range tx.batch.Journals {
		tx.l.tracker.ApplyJournal(j)
	}

	// Staging refuses overdrafts, so a negative holder here is a bug.
	if err := tx.l.validator.ValidateHoldersNonNegative(tx.batch); err != nil {
		panic(fmt.Sprintf("FATAL: holder balance negative after commit: %v", err))
	}

	return tx.batch, nil
}

// Rollback discards staged changes. Safe to call after Commit.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.close()
}

func (tx *Tx) close() {
	tx.closed = true
	tx.l.mu.Unlock()
}
