package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/lock"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/observability"

	"github.com/rs/zerolog"
)

var (
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrMarketAccount         = errors.New("recipient is a market account")
	ErrReplayDivergence      = errors.New("replay diverged from event log")
	ErrInvalidCommand        = errors.New("invalid command")
)

// globalCheckInterval is how often (in sequences) the full zero-sum check runs
const globalCheckInterval = 1000

// Core applies commands one at a time against the ledger and market registry.
//
// Lock order: market lock, then c.mu, then the ledger transaction. c.mu makes
// sequence assignment, the hash chain and output order follow commit order.
type Core struct {
	mu          sync.Mutex
	sequence    int64
	hasher      *StateHasher
	ledger      *ledger.Ledger
	markets     *market.Registry
	locker      lock.Locker
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is emitted for every applied command
type CoreOutput struct {
	Envelope   *command.Envelope
	Batch      *ledger.Batch
	Market     *market.Market // record after the command; nil for asset commands
	Assets     []ledger.Asset // assets created or changed by the command
	StateDelta []byte
}

// Result is returned to the caller of Apply
type Result struct {
	Sequence   int64
	StateHash  [32]byte
	Duplicate  bool
	Market     *market.Market
	Assets     []ledger.Asset
	Redemption *RedeemReceipt
	Batch      *ledger.Batch
}

// Options wires the core's collaborators. Only the channels are required for
// production; tests may leave everything else nil.
type Options struct {
	StartSequence  int64
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Locker         lock.Locker
	Metrics        *observability.Metrics
	Logger         *zerolog.Logger
	LRUCapacity    int
}

func NewCore(opts Options) *Core {
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	logger := observability.NewLogger("core")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Core{
		sequence:       opts.StartSequence,
		hasher:         NewStateHasher(),
		ledger:         ledger.New(),
		markets:        market.NewRegistry(),
		locker:         locker,
		idempotency:    NewIdempotencyChecker(capacity, opts.DBChecker),
		metrics:        opts.Metrics,
		logger:         logger,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}
}

// effect is what a handler staged besides journals
type effect struct {
	market  *market.Market
	created bool // market is new
	updated bool // market record changed
	assets  []ledger.Asset
	receipt *RedeemReceipt
}

// Apply runs one command through the pipeline. Either every effect of the
// command becomes visible or none does.
func (c *Core) Apply(ctx context.Context, cmd command.Command) (*Result, error) {
	return c.apply(ctx, cmd, false)
}

func (c *Core) apply(ctx context.Context, cmd command.Command, replay bool) (*Result, error) {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	if idempotencyKey == "" {
		c.reject(commandType, "invalid")
		return nil, ErrMissingIdempotencyKey
	}

	payload, err := command.Marshal(cmd)
	if err != nil {
		c.reject(commandType, "invalid")
		return nil, err
	}

	// Step 1: Market lock
	if id := cmd.MarketID(); id != nil {
		lockStart := time.Now()
		unlock, err := c.locker.Acquire(ctx, lock.MarketKey(id.String()))
		if err != nil {
			c.reject(commandType, "lock")
			return nil, err
		}
		defer unlock()
		if c.metrics != nil {
			c.metrics.LockWait.Observe(time.Since(lockStart).Seconds())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 2: Idempotency check (two-tier). Logged commands were deduplicated
	// when first applied, so replay skips it; their keys are in the event log.
	if !replay {
		dbErrors := c.idempotency.Tier2Errors()
		tier := c.idempotency.IsDuplicate(ctx, commandType, idempotencyKey)
		if c.metrics != nil && c.idempotency.Tier2Errors() > dbErrors {
			c.metrics.IdempotencyDBErrors.Inc()
		}
		if tier != "" {
			if c.metrics != nil {
				c.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
				c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
			}
			return &Result{Sequence: -1, Duplicate: true}, nil
		}
	}

	// Step 3: Open ledger transaction and dispatch
	seq := c.sequence
	tx := c.ledger.Begin(idempotencyKey, seq, cmd.Time().UnixMicro())
	defer tx.Rollback()

	eff, err := c.dispatch(tx, cmd, seq)
	if err != nil {
		c.reject(commandType, rejectReason(err))
		if errors.Is(err, market.ErrWinningOutcomeNotSet) {
			c.logger.Error().Err(err).Str("command", commandType).Str("key", idempotencyKey).
				Msg("market record corrupted: settled without winner")
		} else {
			c.logger.Debug().Err(err).Str("command", commandType).Str("key", idempotencyKey).Msg("command rejected")
		}
		return nil, err
	}

	// Step 4: Market record write (still inside the ledger transaction)
	if eff.created {
		if err := c.markets.Insert(eff.market); err != nil {
			c.reject(commandType, rejectReason(err))
			return nil, err
		}
	} else if eff.updated {
		if err := c.markets.Update(eff.market); err != nil {
			c.reject(commandType, rejectReason(err))
			return nil, err
		}
		eff.market.Version++
	}

	// Step 5: State digest and hash chain
	stateDigest := c.computeStateDigest(tx, eff)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest)

	// Step 6: Commit
	batch, err := tx.Commit()
	if err != nil {
		panic(fmt.Sprintf("FATAL: commit of validated batch failed: %v", err))
	}

	// Step 7: Post-checks
	if err := c.postCheckInvariants(eff); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c.sequence++

	envelope := &command.Envelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		MarketID:       cmd.MarketID(),
		Timestamp:      cmd.Time(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		Market:     eff.market,
		Assets:     eff.assets,
		StateDelta: stateDigest,
	}

	// Step 8: Emit outputs.
	// Persistence is a blocking send (backpressure, nothing lost).
	// Projections are best effort; they rebuild from the event log.
	if !replay && c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	// Step 9: Mark as processed
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	c.recordApplied(commandType, start, batch, eff)

	c.logger.Debug().
		Int64("sequence", seq).
		Str("command", commandType).
		Str("key", idempotencyKey).
		Int("journals", len(batch.Journals)).
		Msg("command applied")

	return &Result{
		Sequence:   seq,
		StateHash:  stateHash,
		Market:     eff.market,
		Assets:     eff.assets,
		Redemption: eff.receipt,
		Batch:      batch,
	}, nil
}

// Replay re-applies a logged command during startup and checks that it lands
// on the same sequence and state hash. Nothing is sent to persistence.
func (c *Core) Replay(ctx context.Context, env *command.Envelope) error {
	cmd, err := command.Unmarshal(env.CommandType, env.Payload)
	if err != nil {
		return fmt.Errorf("decode seq %d: %w", env.Sequence, err)
	}

	if next := c.GetSequence(); next != env.Sequence {
		return fmt.Errorf("%w: seq %d logged, core at %d", ErrReplayDivergence, env.Sequence, next)
	}

	res, err := c.apply(ctx, cmd, true)
	if err != nil {
		return fmt.Errorf("%w: seq %d rejected on replay: %v", ErrReplayDivergence, env.Sequence, err)
	}
	if res.StateHash != env.StateHash {
		return fmt.Errorf("%w: seq %d state hash mismatch", ErrReplayDivergence, env.Sequence)
	}

	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (c *Core) dispatch(tx *ledger.Tx, cmd command.Command, seq int64) (*effect, error) {
	switch cm := cmd.(type) {
	case *command.RegisterCollateral:
		return c.handleRegisterCollateral(tx, cm)
	case *command.Deposit:
		return c.handleDeposit(tx, cm)
	case *command.CreateMarket:
		return c.handleCreateMarket(tx, cm, seq)
	case *command.Split:
		return c.handleSplit(tx, cm)
	case *command.Merge:
		return c.handleMerge(tx, cm)
	case *command.Settle:
		return c.handleSettle(tx, cm, seq)
	case *command.Redeem:
		return c.handleRedeem(tx, cm)
	case *command.Transfer:
		return c.handleTransfer(tx, cm)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// computeStateDigest serializes every account the batch touched, in path
// order, followed by the record of the affected market and any new assets.
func (c *Core) computeStateDigest(tx *ledger.Tx, eff *effect) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range tx.Batch().Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*160+64)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, tx.Balance(key))
	}

	if m := eff.market; m != nil {
		digest = append(digest, m.ID[:]...)
		digest = append(digest, byte(m.Status))
		if m.WinningOutcome != nil {
			digest = append(digest, byte(*m.WinningOutcome))
		} else {
			digest = append(digest, 0)
		}
	}

	for _, a := range eff.assets {
		digest = append(digest, a.ID[:]...)
		digest = append(digest, a.Decimals)
		if a.MintAuthority != nil {
			digest = append(digest, a.MintAuthority[:]...)
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants verifies conservation while open and claim backing once
// settled for the affected market. Every globalCheckInterval sequences it
// also checks that every asset is zero-sum.
func (c *Core) postCheckInvariants(eff *effect) error {
	v := c.ledger.Validator()

	if m := eff.market; m != nil {
		switch m.Status {
		case market.StatusOpen:
			if err := v.ValidateConservation(m.CollateralPool, m.OutcomeAClaim, m.OutcomeBClaim); err != nil {
				return fmt.Errorf("post-check conservation: %w", err)
			}
		case market.StatusSettled:
			if claim, ok := m.WinningClaim(); ok {
				if err := v.ValidateBacking(m.CollateralPool, claim); err != nil {
					return fmt.Errorf("post-check backing: %w", err)
				}
			}
		}
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := v.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

func (c *Core) reject(commandType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

func (c *Core) recordApplied(commandType string, start time.Time, batch *ledger.Batch, eff *effect) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
	c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	if m := eff.market; m != nil {
		id := m.ID.String()
		c.metrics.MarketPoolBalance.WithLabelValues(id).Set(float64(c.ledger.BalanceOf(m.CollateralAsset, m.Address)))
		c.metrics.MarketOutstanding.WithLabelValues(id, "a").Set(float64(c.ledger.Outstanding(m.OutcomeAClaim)))
		c.metrics.MarketOutstanding.WithLabelValues(id, "b").Set(float64(c.ledger.Outstanding(m.OutcomeBClaim)))
	}
}

// rejectReason maps an error to a low-cardinality metric label
func rejectReason(err error) string {
	switch {
	case errors.Is(err, market.ErrMarketAlreadySettled):
		return "already_settled"
	case errors.Is(err, market.ErrMarketNotSettled):
		return "not_settled"
	case errors.Is(err, market.ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, market.ErrWinningOutcomeNotSet):
		return "corrupt"
	case errors.Is(err, market.ErrUnauthorized), errors.Is(err, ledger.ErrMintAuthorityMismatch):
		return "unauthorized"
	case errors.Is(err, market.ErrMarketNotFound), errors.Is(err, ledger.ErrUnknownAsset):
		return "not_found"
	case errors.Is(err, market.ErrMarketExists), errors.Is(err, ledger.ErrAssetExists), errors.Is(err, market.ErrPoolNotEmpty):
		return "exists"
	case errors.Is(err, market.ErrInvalidAmount), errors.Is(err, ledger.ErrNonPositiveAmount), errors.Is(err, ledger.ErrAmountOverflow):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrMarketAccount), errors.Is(err, ledger.ErrSelfTransfer):
		return "invalid_account"
	case errors.Is(err, ledger.ErrMintAuthorityRevoked):
		return "mint_revoked"
	case errors.Is(err, market.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrMissingIdempotencyKey),
		errors.Is(err, ledger.ErrDecimalsMismatch):
		return "invalid"
	default:
		return "internal"
	}
}

// IsRejection reports whether err is a deterministic refusal of the command
// itself. Retrying a rejected command yields the same rejection; any other
// error (lock contention, cancellation) may succeed on retry.
func IsRejection(err error) bool {
	return err != nil && rejectReason(err) != "internal"
}

// --- Read access ---

// Market returns a copy of a market record
func (c *Core) Market(id market.ID) (*market.Market, error) {
	return c.markets.Get(id)
}

// Markets returns copies of all market records
func (c *Core) Markets() []*market.Market {
	return c.markets.List()
}

// BalanceOf returns a holder's committed balance
func (c *Core) BalanceOf(asset, holder ledger.Address) int64 {
	return c.ledger.BalanceOf(asset, holder)
}

// Outstanding returns an asset's circulating supply
func (c *Core) Outstanding(asset ledger.Address) int64 {
	return c.ledger.Outstanding(asset)
}

// Asset returns a registered asset
func (c *Core) Asset(id ledger.Address) (ledger.Asset, bool) {
	return c.ledger.Asset(id)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Assets          []ledger.Asset
	Markets         []*market.Market
	IdempotencyKeys []string
}

// CreateSnapshotState captures a consistent view between two commands.
func (c *Core) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.ledger.Balances(),
		Assets:          c.ledger.Assets(),
		Markets:         c.markets.List(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces all in-memory state. Call before serving.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.ledger.Restore(snap.Balances, snap.Assets)
	c.markets.Restore(snap.Markets)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent composite idempotency keys into the LRU.
func (c *Core) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// IdempotencyDBErrors returns how many Postgres dedup lookups have failed.
func (c *Core) IdempotencyDBErrors() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idempotency.Tier2Errors()
}

// GetSequence returns the next sequence to be assigned.
func (c *Core) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}
