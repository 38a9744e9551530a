package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"FortyAcres/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandPrefix roots every inbound subject:
// acres.cmd.{domain}.{event_type}.{contract|global}
const CommandPrefix = "acres.cmd"

const globalToken = "global"

var (
	ErrBadSubject       = errors.New("ingestion: malformed subject")
	ErrUnknownEventType = errors.New("ingestion: unknown event type")
	ErrInvalidEvent     = errors.New("ingestion: invalid event")
)

// CommandSubject is the subject producers publish evt on.
func CommandSubject(evt event.Event) string {
	t := evt.EventType()
	target := globalToken
	if c := evt.Target(); c != (common.Address{}) {
		target = strings.ToLower(c.Hex())
	}
	return fmt.Sprintf("%s.%s.%s.%s", CommandPrefix, t.Domain(), t, target)
}

// ParseSubject splits an inbound subject into its event type and target
// token.
func ParseSubject(subject string) (event.EventType, string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 5 || parts[0]+"."+parts[1] != CommandPrefix {
		return event.EventTypeUnknown, "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}
	t, ok := event.ParseEventType(parts[3])
	if !ok {
		return event.EventTypeUnknown, "", fmt.Errorf("%w: %q", ErrUnknownEventType, parts[3])
	}
	if t.Domain() != parts[2] {
		return event.EventTypeUnknown, "", fmt.Errorf("%w: %s is not in domain %q", ErrBadSubject, t, parts[2])
	}
	return t, parts[4], nil
}

// ParseEvent decodes a JSON payload of type t. Unknown fields are
// rejected so that misspelled amounts never decode to zero.
func ParseEvent(t event.EventType, data []byte) (event.Headed, error) {
	evt, ok := event.New(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidEvent, t, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// ParseMessage decodes an inbound NATS message and checks that the payload
// addresses the contract named in its subject.
func ParseMessage(subject string, data []byte) (event.Headed, error) {
	t, target, err := ParseSubject(subject)
	if err != nil {
		return nil, err
	}
	evt, err := ParseEvent(t, data)
	if err != nil {
		return nil, err
	}
	want := globalToken
	if c := evt.Target(); c != (common.Address{}) {
		want = strings.ToLower(c.Hex())
	}
	if target != want {
		return nil, fmt.Errorf("%w: subject targets %s, payload targets %s", ErrInvalidEvent, target, want)
	}
	return evt, nil
}

// Validate checks the header fields every event needs before it may reach
// the core.
func Validate(evt event.Headed) error {
	h := event.HeaderOf(evt)
	switch {
	case h.EventID == uuid.Nil:
		return fmt.Errorf("%w: %s without event_id", ErrInvalidEvent, evt.EventType())
	case h.TimestampUs <= 0:
		return fmt.Errorf("%w: %s without timestamp_us", ErrInvalidEvent, evt.EventType())
	}
	return nil
}
