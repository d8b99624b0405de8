package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the serialised form backends without native TTL support keep
// on disk or in memory: the record plus the store-level deadline derived
// from the ttl passed to Set.
type Envelope struct {
	Record   Record `json:"record"`
	Deadline int64  `json:"deadline,omitempty"` // Unix millis; 0 means none
}

// SealEnvelope wraps rec with a deadline ttl after now.
func SealEnvelope(rec *Record, ttl time.Duration, now time.Time) *Envelope {
	env := &Envelope{Record: *CloneRecord(rec)}
	if ttl > 0 {
		env.Deadline = now.Add(ttl).UnixMilli()
	}
	return env
}

// Lapsed reports whether the store-level deadline has passed.
func (e *Envelope) Lapsed(now time.Time) bool {
	return e.Deadline != 0 && now.UnixMilli() >= e.Deadline
}

// MarshalEnvelope encodes env as JSON.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes a JSON envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}

// CloneRecord returns a deep copy of rec.
func CloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	out := &Record{CreatedAt: rec.CreatedAt}
	if rec.ExpiresAt != nil {
		exp := *rec.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}
