package main

import (
	"context"
	"fmt"
	"time"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/config"
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ingestion"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/observability"
	"OutcomeLedger/internal/persistence"
	"OutcomeLedger/internal/projection"

	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	warmKeyLimit    = 100_000
)

// recoverCore restores the latest verified snapshot, replays the event log
// tail and warms the idempotency LRU.
func recoverCore(
	ctx context.Context,
	c *core.Core,
	snapMgr *persistence.SnapshotManager,
	lruCapacity int,
	logger zerolog.Logger,
) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying full log")
		snap = nil
	}
	if snap != nil {
		state, err := snap.CoreState()
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		c.RestoreFromSnapshot(state)
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := replayEventsFromLog(ctx, snapMgr, c)
	if err != nil {
		return err
	}
	if replayed > 0 {
		logger.Info().
			Int64("replayed", replayed).
			Int64("next_sequence", c.GetSequence()).
			Msg("event log replayed")
	}

	limit := lruCapacity
	if limit > warmKeyLimit {
		limit = warmKeyLimit
	}
	keys, err := snapMgr.LoadRecentIdempotencyKeys(ctx, limit)
	if err != nil {
		return fmt.Errorf("load idempotency keys: %w", err)
	}
	c.WarmLRU(keys)
	logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
	return nil
}

// replayEventsFromLog applies every logged command from the core's next
// sequence to the head. Any divergence is fatal.
func replayEventsFromLog(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.Core) (int64, error) {
	var total int64
	from := c.GetSequence()

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return total, err
			}
			if err := c.Replay(ctx, env); err != nil {
				return total, err
			}
			total++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}

// registerBootCollateral registers configured collateral assets that the
// ledger does not know yet. Keys are stable so restarts dedup.
func registerBootCollateral(ctx context.Context, c *core.Core, cols []config.CollateralConfig, logger zerolog.Logger) error {
	for _, col := range cols {
		if _, ok := c.Asset(ledger.CollateralAssetID(col.Name)); ok {
			continue
		}
		issuer, err := ledger.ParseAddress(col.Issuer)
		if err != nil {
			return fmt.Errorf("collateral %s: issuer: %w", col.Name, err)
		}

		res, err := c.Apply(ctx, &command.RegisterCollateral{
			Header:   command.Header{Key: "boot:" + col.Name, Timestamp: time.Unix(0, 0).UTC()},
			Name:     col.Name,
			Decimals: col.Decimals,
			Issuer:   issuer,
		})
		if err != nil {
			return fmt.Errorf("register collateral %s: %w", col.Name, err)
		}
		logger.Info().
			Str("asset", col.Name).
			Uint8("decimals", col.Decimals).
			Int64("sequence", res.Sequence).
			Msg("collateral registered")
	}
	return nil
}

// --- Core output bridges ---
// core cannot import its consumers; main converts outputs to their row and
// projection forms.

func bridgePersist(in <-chan core.CoreOutput, out chan<- persistence.Output) {
	defer close(out)
	for o := range in {
		out <- persistence.FromCoreOutput(o)
	}
}

// bridgeProjection feeds the projection worker and fans out to the outbound
// publisher when NATS is configured.
func bridgeProjection(in <-chan core.CoreOutput, out chan<- projection.Output, publisher *ingestion.OutboundPublisher) {
	defer close(out)
	for o := range in {
		if publisher != nil {
			publisher.Enqueue(o)
		}
		out <- projection.FromCoreOutput(o)
	}
}

// --- Snapshots ---

// runPeriodicSnapshots takes a snapshot once interval commands have been
// applied since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	c *core.Core,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	lastSnapshotSeq := c.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := c.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, c, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", currentSeq-1).Msg("periodic snapshot saved")
		}
	}
}

// takeSnapshot saves the core state and marks it verified once the event at
// the same sequence is persisted with a matching hash.
func takeSnapshot(
	ctx context.Context,
	c *core.Core,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	state := c.CreateSnapshotState()
	if state.Sequence < 0 {
		return nil // nothing applied yet
	}
	data := persistence.NewSnapshotData(state, time.Now().UTC())

	size, err := snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if err := waitPersisted(ctx, snapMgr, data.Sequence); err != nil {
		return err
	}
	if err := snapMgr.VerifySnapshot(ctx, data.Sequence); err != nil {
		return fmt.Errorf("verify snapshot: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	return nil
}

// waitPersisted polls until the event log reaches sequence.
func waitPersisted(ctx context.Context, snapMgr *persistence.SnapshotManager, sequence int64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(10 * time.Second)
	for {
		latest, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("latest sequence: %w", err)
		}
		if latest >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("event %d not persisted in time (log at %d)", sequence, latest)
		case <-ticker.C:
		}
	}
}
