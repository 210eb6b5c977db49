package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/ledger"
)

// SubjectPrefix is the root of every inbound command subject:
// pm.commands.{command_type}[.{market_id}]
const SubjectPrefix = "pm.commands"

var (
	ErrBadSubject      = errors.New("malformed command subject")
	ErrSubjectMismatch = errors.New("subject market differs from payload")
)

// RawCommand is the undecoded command from NATS, ready for the shell to
// validate and convert into a typed command.Command before it reaches the core.
type RawCommand struct {
	Subject   string
	Data      []byte
	MsgID     string    // Nats-Msg-Id header, used when the payload has no key
	Timestamp time.Time // broker timestamp, used when the payload has none
	AckFunc   func()    // Call to ACK after the core accepted or rejected it
	NakFunc   func()    // Call to NAK on a transient failure (will be redelivered)
	TermFunc  func()    // Call when the message can never be decoded
}

// CommandSubject builds the subject a producer publishes a command on.
func CommandSubject(cmd command.Command) string {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, cmd.CommandType())
	if id := cmd.MarketID(); id != nil {
		subject = fmt.Sprintf("%s.%s", subject, id)
	}
	return subject
}

// ParseSubject splits a command subject into its type and optional market
// segment.
func ParseSubject(subject string) (command.CommandType, string, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok {
		return command.CommandTypeUnknown, "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}

	parts := strings.Split(rest, ".")
	if len(parts) > 2 || parts[0] == "" {
		return command.CommandTypeUnknown, "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}

	ct, err := command.ParseCommandType(parts[0])
	if err != nil {
		return command.CommandTypeUnknown, "", fmt.Errorf("%w: %v", ErrBadSubject, err)
	}

	var marketSeg string
	if len(parts) == 2 {
		marketSeg = parts[1]
	}
	return ct, marketSeg, nil
}

// ParseRawCommand converts a RawCommand into a typed command. The command
// type comes from the subject; the idempotency key and timestamp fall back to
// the message id and broker timestamp so the stored payload is complete.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	ct, marketSeg, err := ParseSubject(raw.Subject)
	if err != nil {
		return nil, err
	}

	data, err := fillHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}

	cmd, err := command.Unmarshal(ct, data)
	if err != nil {
		return nil, err
	}

	if marketSeg != "" {
		id := cmd.MarketID()
		if id == nil || id.String() != marketSeg {
			return nil, fmt.Errorf("%w: subject %s", ErrSubjectMismatch, marketSeg)
		}
	}

	return cmd, nil
}

// RequiresCoSigner reports whether a command type carries the market
// authority's co-signature on the NATS path.
func RequiresCoSigner(ct command.CommandType) bool {
	switch ct {
	case command.CommandTypeSplit, command.CommandTypeMerge, command.CommandTypeRedeem:
		return true
	}
	return false
}

// ParseCoSigner reads the "authority" co-signer from a position command
// payload. It is checked before the core and never stored with the command.
func ParseCoSigner(data []byte) (ledger.Address, error) {
	var p struct {
		Authority ledger.Address `json:"authority"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ledger.Address{}, fmt.Errorf("authority: %w", err)
	}
	return p.Authority, nil
}

// fillHeader sets idempotency_key and timestamp_us on the payload when the
// producer left them out.
func fillHeader(raw RawCommand) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw.Data, &fields); err != nil {
		return nil, err
	}

	changed := false

	var key string
	if v, ok := fields["idempotency_key"]; ok {
		if err := json.Unmarshal(v, &key); err != nil {
			return nil, fmt.Errorf("idempotency_key: %w", err)
		}
	}
	if key == "" && raw.MsgID != "" {
		fields["idempotency_key"], _ = json.Marshal(raw.MsgID)
		changed = true
	}

	var ts int64
	if v, ok := fields["timestamp_us"]; ok {
		if err := json.Unmarshal(v, &ts); err != nil {
			return nil, fmt.Errorf("timestamp_us: %w", err)
		}
	}
	if ts == 0 && !raw.Timestamp.IsZero() {
		fields["timestamp_us"], _ = json.Marshal(raw.Timestamp.UnixMicro())
		changed = true
	}

	if !changed {
		return raw.Data, nil
	}
	return json.Marshal(fields)
}
