package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"golang.org/x/text/encoding/unicode"
)

// Trace event id constants.
const (
	TraceEventTimeout = 82
	TraceEventError   = 83
)

// MaxTraceInfoRunes bounds the "userinfo" field, mirroring NVARCHAR(128).
const MaxTraceInfoRunes = 128

// MaxTracePayloadBytes bounds the encoded "userdata" field, mirroring
// VARBINARY(8000).
const MaxTracePayloadBytes = 8000

// DefaultTracingQuery is executed against a fresh connection to raise an
// out-of-band trace event. It is the Postgres-side analog of SQL Server's
// built-in sp_trace_generateevent: the target database is expected to
// expose a function with this signature. Like that procedure, it is an
// external contract the engine calls but does not own.
const DefaultTracingQuery = "SELECT pgreplay_trace_event($1::integer, $2::text, $3::bytea)"

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeTracePayload renders the event payload as UTF-16LE and truncates it
// to at most MaxTracePayloadBytes, always on a 2-byte code-unit boundary so
// a surrogate pair is never split.
func encodeTracePayload(s string) []byte {
	encoded, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Best-effort: fall back to raw bytes rather than drop the event.
		encoded = []byte(s)
	}
	if len(encoded) > MaxTracePayloadBytes {
		n := MaxTracePayloadBytes
		if n%2 != 0 {
			n--
		}
		// Drop a trailing high surrogate whose low half was cut off.
		if last := uint16(encoded[n-2]) | uint16(encoded[n-1])<<8; last >= 0xD800 && last <= 0xDBFF {
			n -= 2
		}
		encoded = encoded[:n]
	}
	return encoded
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// tracer emits out-of-band tracing events from a fresh connection, never
// the worker's own.
type tracer struct {
	target   TargetInfo
	registry *poolRegistry
	query    string
	logger   *slog.Logger
}

func newTracer(target TargetInfo, registry *poolRegistry, query string, logger *slog.Logger) *tracer {
	if query == "" {
		query = DefaultTracingQuery
	}
	return &tracer{target: target, registry: registry, query: query, logger: logger}
}

// Emit opens a fresh connection against database, executes the tracing
// query, and pool-clears the connection's DSN afterward. Failures of the
// tracing call itself are logged and swallowed, never propagated to the
// worker's own execution path.
func (t *tracer) Emit(ctx context.Context, database string, eventID int, info, payload string) {
	targetDB := t.target.TargetDatabase(database)
	dsn := t.target.dsn(targetDB)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.logger.Error("tracing: failed to open fresh connection", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(context.Background())
		t.registry.Reset(dsn)
	}()

	userInfo := truncateRunes(info, MaxTraceInfoRunes)
	userData := encodeTracePayload(payload)

	if _, err := conn.Exec(ctx, t.query, eventID, userInfo, userData); err != nil {
		t.logger.Error("tracing: failed to raise trace event", "error", err, "event_id", eventID)
	}
}

// TimeoutPayload builds the standard payload string for a timeout trace
// event: database name, event sequence, error message, command text.
func TimeoutPayload(database string, seq int64, errMsg, commandText string) string {
	return fmt.Sprintf("database=%s seq=%d error=%s cmd=%s", database, seq, errMsg, commandText)
}
