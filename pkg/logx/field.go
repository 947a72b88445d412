package logx

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Field decorates one log event. Later fields with the same key win.
type Field func(e *zerolog.Event)

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Any(k string, v any) Field       { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

// Hex writes v in base 16 without a prefix, matching how fleet ids appear
// in dumps and notification footers.
func Hex(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Str(k, strconv.FormatUint(v, 16)) }
}

// Err is a no-op for a nil error so call sites can pass it unconditionally.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}
