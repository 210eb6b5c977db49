package ingestion

import (
	"context"
	"fmt"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Applier is the write side of the core. Market backs the co-signer check.
type Applier interface {
	Apply(ctx context.Context, cmd command.Command) (*core.Result, error)
	Market(id market.ID) (*market.Market, error)
}

// Dispatcher parses raw commands and applies them in arrival order.
// Accepted, duplicate and rejected commands are ACKed; rejection is a final
// outcome, and so is a split, merge or redeem without the market authority's
// co-signature. Transient failures are NAKed for redelivery, and payloads that
// cannot be decoded are terminated.
type Dispatcher struct {
	core    Applier
	rawChan <-chan RawCommand
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(c Applier, rawChan <-chan RawCommand, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		core:    c,
		rawChan: rawChan,
		metrics: metrics,
		logger:  observability.NewLogger("dispatcher"),
	}
}

// Run blocks until ctx is cancelled or rawChan is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.rawChan:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawCommand) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		if d.metrics != nil {
			d.metrics.IngestInvalid.WithLabelValues("nats").Inc()
		}
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable command")
		call(raw.TermFunc)
		return
	}

	var signer ledger.Address
	if RequiresCoSigner(cmd.CommandType()) {
		if signer, err = ParseCoSigner(raw.Data); err != nil {
			if d.metrics != nil {
				d.metrics.IngestInvalid.WithLabelValues("nats").Inc()
			}
			d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable co-signer")
			call(raw.TermFunc)
			return
		}
	}

	if d.metrics != nil {
		d.metrics.IngestReceived.WithLabelValues("nats", cmd.CommandType().String()).Inc()
	}

	var res *core.Result
	if RequiresCoSigner(cmd.CommandType()) {
		err = d.coSign(*cmd.MarketID(), signer)
	}
	if err == nil {
		res, err = d.core.Apply(ctx, cmd)
	}
	switch {
	case err == nil:
		if res.Duplicate {
			d.logger.Debug().Str("key", cmd.IdempotencyKey()).Msg("duplicate command acknowledged")
		}
		call(raw.AckFunc)
	case core.IsRejection(err):
		d.logger.Info().Err(err).Str("command", cmd.CommandType().String()).
			Str("key", cmd.IdempotencyKey()).Msg("command rejected")
		call(raw.AckFunc)
	default:
		d.logger.Warn().Err(err).Str("command", cmd.CommandType().String()).
			Str("key", cmd.IdempotencyKey()).Msg("transient failure, redelivering")
		call(raw.NakFunc)
	}
}

// coSign checks the second signer of a position command against the
// market's stored authority.
func (d *Dispatcher) coSign(id market.ID, signer ledger.Address) error {
	m, err := d.core.Market(id)
	if err != nil {
		return err
	}
	if signer.IsZero() {
		return fmt.Errorf("market %s: authority co-signature missing: %w", id, market.ErrUnauthorized)
	}
	return market.NewAuthority(signer).Authorize(m)
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
