package config

import (
	"context"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/dbworkload/pgreplay/pkg/replay"
)

// TargetConfig describes the single Postgres server a replay run executes
// against.
type TargetConfig struct {
	Host     string    `json:"host"`
	Port     uint16    `json:"port,omitzero"`
	Username SecretRef `json:"username"`
	Password SecretRef `json:"password"`

	// DefaultDatabase is used for commands whose source capture carries no
	// database name. A source database name absent from DatabaseMap is used
	// as-is, not replaced by DefaultDatabase.
	DefaultDatabase string `json:"default_database"`

	// DatabaseMap translates a source-side database name to the name to
	// dial against this target. Absent entries pass the source name
	// through unchanged.
	DatabaseMap map[string]string `json:"database_map,omitempty"`

	// TLS configures how pgreplay authenticates the target server (and,
	// for verify-full/mutual-TLS setups, itself) over the wire. Only its
	// sslmode reaches the replay connections (see ToTargetInfo); the root
	// and client certificate paths are validated but not passed to them.
	TLS ClientTLSConfig `json:"tls,omitzero"`

	// StartupParameters are set on every connection pgreplay opens against
	// this target. The order in which they reach the server is not
	// preserved: the connection layer applies them through a map.
	StartupParameters PgStartupParameters `json:"startup_parameters,omitzero"`
}

// Validate checks that the target config is minimally usable.
func (t *TargetConfig) Validate() error {
	var errs []error
	if t.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if t.DefaultDatabase == "" {
		errs = append(errs, errors.New("default_database is required"))
	}
	if err := t.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ToTargetInfo resolves the configured secrets and produces the
// replay.TargetInfo the connection manager drives.
func (t *TargetConfig) ToTargetInfo(ctx context.Context, secrets *SecretCache) (replay.TargetInfo, error) {
	user, err := secrets.Get(ctx, t.Username)
	if err != nil {
		return replay.TargetInfo{}, fmt.Errorf("username: %w", err)
	}
	pass, err := secrets.Get(ctx, t.Password)
	if err != nil {
		return replay.TargetInfo{}, fmt.Errorf("password: %w", err)
	}
	port := t.Port
	if port == 0 {
		port = 5432
	}
	var params []replay.StartupParameter
	for name, value := range t.StartupParameters.All() {
		params = append(params, replay.StartupParameter{Name: name, Value: value})
	}
	return replay.TargetInfo{
		Host:              t.Host,
		Port:              port,
		User:              user,
		Password:          pass,
		DefaultDatabase:   t.DefaultDatabase,
		SSLMode:           string(t.TLS.SSLMode),
		DatabaseMap:       t.DatabaseMap,
		StartupParameters: params,
	}, nil
}

// LogLevel names a slog severity in its JSON-config spelling. Mirrors
// SSLMode's string-enum-with-Validate shape in tls.go.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// SlogLevel translates to the slog.Level the logger actually takes,
// defaulting to Warn for an unset or unrecognized value.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (l LogLevel) validate() error {
	switch l {
	case "", LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return nil
	default:
		return fmt.Errorf("invalid command_error_log_level %q", string(l))
	}
}

// ReplayConfig holds the policy knobs every Worker in a run is constructed
// with, mirroring replay.WorkerConfig in its JSON-serializable form.
type ReplayConfig struct {
	FailRetryMax    int  `json:"fail_retry_max,omitzero"`
	TimeoutRetryMax int  `json:"timeout_retry_max,omitzero"`
	StopOnError     bool `json:"stop_on_error,omitzero"`

	MimicApplicationName bool  `json:"mimic_application_name,omitzero"`
	ConsumeResults       *bool `json:"consume_results,omitzero"`
	RaiseErrorsToTracing bool  `json:"raise_errors_to_tracing,omitzero"`

	// TimeoutCodes is the set of numeric codes the error classifier
	// treats as a command timeout. Defaults to {-2} (replay.Classifier's
	// own default) when left empty; see DESIGN.md Open Question (a).
	TimeoutCodes []int `json:"timeout_codes,omitempty"`

	// CommandErrorLogLevel is the severity used when logging a single
	// command execution failure, before any retry/classification
	// decision is logged separately. Defaults to "warn".
	CommandErrorLogLevel LogLevel `json:"command_error_log_level,omitzero"`

	QueryTimeout Duration `json:"query_timeout,omitzero"`
	TracingQuery string   `json:"tracing_query,omitzero"`

	// DisplayWorkerStats gates whether statsSampler logs a periodic
	// throughput sample at all; StatsCommandCount only controls the
	// sampling interval once display is on.
	DisplayWorkerStats bool     `json:"display_worker_stats,omitzero"`
	StatsCommandCount  int64    `json:"stats_command_count,omitzero"`
	IdleTimeout        Duration `json:"idle_timeout,omitzero"`
}

// Validate checks that the replay policy's numeric knobs are sane.
func (r *ReplayConfig) Validate() error {
	var errs []error
	if r.FailRetryMax < 0 {
		errs = append(errs, errors.New("fail_retry_max must be non-negative"))
	}
	if r.TimeoutRetryMax < 0 {
		errs = append(errs, errors.New("timeout_retry_max must be non-negative"))
	}
	if r.QueryTimeout < 0 {
		errs = append(errs, errors.New("query_timeout must be non-negative"))
	}
	if r.StatsCommandCount < 0 {
		errs = append(errs, errors.New("stats_command_count must be non-negative"))
	}
	if err := r.CommandErrorLogLevel.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ToWorkerConfig applies defaults on top of the configured values and
// produces the replay.WorkerConfig every Worker in the run shares.
func (r *ReplayConfig) ToWorkerConfig() replay.WorkerConfig {
	wc := replay.DefaultWorkerConfig()

	if r.FailRetryMax > 0 {
		wc.FailRetryMax = r.FailRetryMax
	}
	if r.TimeoutRetryMax > 0 {
		wc.TimeoutRetryMax = r.TimeoutRetryMax
	}
	wc.StopOnError = r.StopOnError
	wc.MimicAppName = r.MimicApplicationName
	wc.RaiseErrorsToTracing = r.RaiseErrorsToTracing
	if r.ConsumeResults != nil {
		wc.ConsumeResults = *r.ConsumeResults
	}
	if r.QueryTimeout > 0 {
		wc.QueryTimeout = r.QueryTimeout.Duration()
	}
	if r.TracingQuery != "" {
		wc.TracingQuery = r.TracingQuery
	}
	if r.StatsCommandCount > 0 {
		wc.StatsCommandCount = r.StatsCommandCount
	}
	wc.DisplayWorkerStats = r.DisplayWorkerStats
	if len(r.TimeoutCodes) > 0 {
		wc.TimeoutCodes = append([]int(nil), r.TimeoutCodes...)
	}
	wc.CommandErrorLogLevel = r.CommandErrorLogLevel.SlogLevel()
	return wc
}

// IdleTimeoutOrDefault returns the configured worker idle timeout, or
// replay.DefaultIdleTimeout if unset.
func (r *ReplayConfig) IdleTimeoutOrDefault() time.Duration {
	if r.IdleTimeout > 0 {
		return r.IdleTimeout.Duration()
	}
	return replay.DefaultIdleTimeout
}

// PgStartupParameters is a map of PostgreSQL startup parameters that
// preserves insertion order (i.e. the order from the JSON file), since
// some parameters (e.g. search_path-dependent GUCs) are order-sensitive.
type PgStartupParameters struct {
	keys   []string
	values map[string]string
}

// All returns an iterator over parameters in insertion order.
func (p *PgStartupParameters) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

func (p *PgStartupParameters) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.values = make(map[string]string)

	dec := jsontext.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.ReadToken()
	if err != nil || tok.Kind() != '{' {
		return err
	}

	for dec.PeekKind() != '}' {
		keyTok, err := dec.ReadToken()
		if err != nil {
			return err
		}
		key := keyTok.String()

		valTok, err := dec.ReadToken()
		if err != nil {
			return err
		}
		val := valTok.String()

		p.keys = append(p.keys, key)
		p.values[key] = val
	}
	return nil
}

func (p PgStartupParameters) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		valBytes, _ := json.Marshal(p.values[k])
		b.Write(keyBytes)
		b.WriteByte(':')
		b.Write(valBytes)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
