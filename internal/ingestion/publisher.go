package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is the root of outbound subjects:
// pm.ledger.events.{command_type}[.{market_id}]
const EventSubjectPrefix = "pm.ledger.events"

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers. Enqueue never blocks the caller; a full queue drops the event
// and downstream consumers fall back to the event log.
type OutboundPublisher struct {
	js      jetstream.JetStream
	queue   chan PublishableEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishableEvent is an applied command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Journals       int             `json:"journals"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent converts one core output into its outbound form.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	evt := PublishableEvent{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.MarketID != nil {
		id := env.MarketID.String()
		evt.MarketID = &id
	}
	if out.Batch != nil {
		evt.Journals = len(out.Batch.Journals)
	}
	return evt
}

// Subject returns pm.ledger.events.{command_type}[.{market_id}]
func (e PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", EventSubjectPrefix, e.CommandType)
	if e.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *e.MarketID)
	}
	return subject
}

func NewOutboundPublisher(js jetstream.JetStream, queueSize int, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan PublishableEvent, queueSize),
		metrics: metrics,
		logger:  observability.NewLogger("publisher"),
	}
}

// Enqueue offers an applied command for publishing without blocking.
func (op *OutboundPublisher) Enqueue(out core.CoreOutput) bool {
	select {
	case op.queue <- NewPublishableEvent(out):
		return true
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		return false
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.queue:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Sequence as message id lets JetStream drop republished duplicates
	_, err = op.js.Publish(ctx, evt.Subject(), data,
		jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PM_LEDGER_EVENTS",
		Subjects:  []string{EventSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
