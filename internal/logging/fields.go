package logging

import (
	"time"

	"github.com/felixgeelhaar/bolt/v3"

	"stagegate/internal/domain"
)

// Field applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

func InitiativeID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("initiative_id", id) }
}

func WorkstreamID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("workstream_id", id) }
}

func ApprovalID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("approval_id", id) }
}

func Stage(s domain.StageKey) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("stage", string(s)) }
}

func Round(i int) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int("round", i) }
}

func Decision(d string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("decision", d) }
}

func Account(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("account_id", id) }
}

func Version(v int) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int("version", v) }
}

func Count(key string, n int) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int(key, n) }
}

// Duration is recorded in milliseconds.
func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int64("duration_ms", d.Milliseconds()) }
}

func Err(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str(key, value) }
}
