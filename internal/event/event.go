// Package event defines the inbound replication event contract shared by the
// item and account topics.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type is the closed set of replication event kinds.
type Type int

const (
	Unknown Type = iota
	Created
	Updated
	Deleted
	InitialLoad
)

func (t Type) String() string {
	switch t {
	case Created:
		return "CREATED"
	case Updated:
		return "UPDATED"
	case Deleted:
		return "DELETED"
	case InitialLoad:
		return "INITIAL_LOAD"
	default:
		return "UNKNOWN"
	}
}

// IsUpsert reports whether the event carries a full payload that replaces the record.
func (t Type) IsUpsert() bool {
	return t == Created || t == Updated || t == InitialLoad
}

// entityPrefixes are the tag prefixes emitted by the catalog and account services.
var entityPrefixes = []string{"PRODUCT_", "ITEM_", "USER_", "ACCOUNT_"}

// ParseType maps a wire tag to a Type. Both bare tags (UPDATED) and
// entity-prefixed tags (PRODUCT_UPDATED) are accepted; anything else is Unknown.
func ParseType(tag string) Type {
	s := strings.ToUpper(strings.TrimSpace(tag))
	if s == "INITIAL_LOAD" {
		return InitialLoad
	}
	for _, p := range entityPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	switch s {
	case "CREATED":
		return Created
	case "UPDATED":
		return Updated
	case "DELETED":
		return Deleted
	case "INITIAL_LOAD":
		return InitialLoad
	default:
		return Unknown
	}
}

// ErrMalformed marks an event that can never be applied, however often it is retried.
var ErrMalformed = errors.New("malformed event")

// Envelope is a decoded inbound event. Payload is kept raw so each lane decodes
// its own entity type.
type Envelope struct {
	ID      int64
	Type    Type
	Tag     string
	Payload json.RawMessage
}

type wireEnvelope struct {
	ID        *int64          `json:"id"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode parses {id, eventType, payload}. Messages that carry the entity fields
// inline instead of under "payload" are accepted as well; the whole message is
// then the payload.
func Decode(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.ID == nil {
		return Envelope{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	env := Envelope{ID: *w.ID, Type: ParseType(w.EventType), Tag: w.EventType}
	switch {
	case len(w.Payload) > 0 && !bytes.Equal(w.Payload, []byte("null")):
		env.Payload = w.Payload
	case env.Type.IsUpsert():
		env.Payload = append(json.RawMessage(nil), b...)
	}
	return env, nil
}

// DecodePayload decodes the envelope payload into V.
func DecodePayload[V any](env Envelope) (V, error) {
	var v V
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%w: %s event %d has no payload", ErrMalformed, env.Type, env.ID)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return v, nil
}

// Encode builds the wire form of an event. Deleted events carry only the id.
func Encode(id int64, t Type, payload any) ([]byte, error) {
	w := map[string]any{"id": id, "eventType": t.String()}
	if t != Deleted && payload != nil {
		w["payload"] = payload
	}
	return json.Marshal(w)
}
