package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectingPollInterval is how often Open polls for connection
// establishment to complete.
const ConnectingPollInterval = 5 * time.Millisecond

// TargetInfo describes how to reach the target database server. The database
// name is supplied per-command and translated through DatabaseMap;
// DefaultDatabase is used only for a command with no database name.
type TargetInfo struct {
	Host            string
	Port            uint16
	User            string
	Password        string
	DefaultDatabase string
	SSLMode         string // "", "disable", "require", "verify-ca", "verify-full"

	// DatabaseMap translates a source-side database name to the name to use
	// against the target. Names absent from the map pass through unchanged.
	DatabaseMap map[string]string

	// StartupParameters are set as Postgres run-time parameters on every
	// connection opened against this target. They are copied into the
	// driver's RuntimeParams map, so the order in which they reach the
	// server is not preserved.
	StartupParameters []StartupParameter
}

// StartupParameter is one ordered (name, value) pair applied to a
// connection's startup packet.
type StartupParameter struct {
	Name  string
	Value string
}

// TargetDatabase translates a source-side database name through DatabaseMap.
func (t TargetInfo) TargetDatabase(sourceDB string) string {
	if sourceDB == "" {
		return t.DefaultDatabase
	}
	if t.DatabaseMap != nil {
		if mapped, ok := t.DatabaseMap[sourceDB]; ok {
			return mapped
		}
	}
	return sourceDB
}

func (t TargetInfo) dsn(database string) string {
	sslmode := t.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		t.User, t.Password, t.Host, t.Port, database, sslmode)
}

// connManager lazily opens, repairs, closes, and pool-purges the worker's
// single database connection, and switches the connection's current
// database on demand. Exactly one connManager exists per Worker, and it is
// only ever driven by that worker's loop goroutine.
type connManager struct {
	info           TargetInfo
	registry       *poolRegistry
	mimicAppName   bool
	defaultAppName string
	logger         *slog.Logger

	conn            *pgx.Conn
	currentDatabase string
	currentAppName  string
	currentDSN      string
}

func newConnManager(info TargetInfo, registry *poolRegistry, mimicAppName bool, logger *slog.Logger) *connManager {
	return &connManager{
		info:           info,
		registry:       registry,
		mimicAppName:   mimicAppName,
		defaultAppName: "pgreplay",
		logger:         logger,
	}
}

// Conn returns the currently-open connection, or nil.
func (cm *connManager) Conn() *pgx.Conn {
	return cm.conn
}

// EnsureReady makes sure a live connection is open against the command's
// translated database (and, if mimic_application_name is set, carrying the
// command's application name), opening or switching as needed.
func (cm *connManager) EnsureReady(ctx context.Context, cmd CommandRecord, stopped *atomic.Bool) error {
	targetDB := cm.info.TargetDatabase(cmd.Database)
	appName := cm.defaultAppName
	if cm.mimicAppName && cmd.AppName != "" {
		appName = cmd.AppName
	}

	if cm.conn != nil && cm.conn.IsClosed() {
		cm.conn = nil
	}

	if cm.conn != nil && cm.currentDatabase == targetDB {
		if cm.mimicAppName && cm.currentAppName != appName {
			// Every DSN's pgxpool.Config (and the application_name baked
			// into it) is fixed once, the first time any worker dials that
			// DSN — a second session sharing the same host/port/user/
			// database would otherwise silently inherit the first
			// session's app name from the shared pool. Set it per
			// connection instead, after hijack, so each worker's own
			// application_name always wins regardless of pool reuse.
			if err := cm.setAppName(ctx, appName); err != nil {
				return err
			}
		}
		return nil
	}

	if cm.conn != nil {
		// Database switch: Postgres has no in-session "change database"
		// operation, so the switch is realized as a close-then-reopen
		// against the new DSN. The observable contract — "before
		// executing, the command's targeted database is live on the
		// connection" — is preserved.
		cm.closeCurrent()
	}

	return cm.open(ctx, targetDB, appName, stopped)
}

// setAppName sets application_name on the live connection via set_config
// rather than a connection-string/pool-config parameter, so it takes effect
// per connection regardless of what the shared pool's ConnConfig carries.
func (cm *connManager) setAppName(ctx context.Context, appName string) error {
	if _, err := cm.conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", appName); err != nil {
		return fmt.Errorf("connection manager: set application_name: %w", err)
	}
	cm.currentAppName = appName
	return nil
}

func (cm *connManager) open(ctx context.Context, database, appName string, stopped *atomic.Bool) error {
	dsn := cm.info.dsn(database)

	pool, err := cm.registry.Get(ctx, dsn, func(cfg *pgxpool.Config) {
		cfg.MaxConns = 1
		for _, p := range cm.info.StartupParameters {
			cfg.ConnConfig.RuntimeParams[p.Name] = p.Value
		}
	})
	if err != nil {
		return fmt.Errorf("connection manager: acquire pool: %w", err)
	}

	type result struct {
		conn *pgx.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		pooled, err := pool.Acquire(ctx)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{conn: pooled.Hijack()}
	}()

	for {
		select {
		case r := <-done:
			if r.err != nil {
				return fmt.Errorf("connection manager: open: %w", r.err)
			}
			cm.conn = r.conn
			cm.currentDatabase = database
			cm.currentDSN = dsn
			cm.currentAppName = ""
			if cm.mimicAppName {
				if err := cm.setAppName(ctx, appName); err != nil {
					return err
				}
			} else {
				cm.currentAppName = appName
			}
			return nil
		case <-time.After(ConnectingPollInterval):
			if stopped.Load() {
				return fmt.Errorf("connection manager: stopped while connecting")
			}
		}
	}
}

func (cm *connManager) closeCurrent() {
	if cm.conn == nil {
		return
	}
	if err := cm.conn.Close(context.Background()); err != nil {
		cm.logger.Warn("connection manager: close failed", "error", err)
	}
	cm.conn = nil
}

// ResetConn implements the ResetConn command kind: close then re-open the
// current connection.
func (cm *connManager) ResetConn(ctx context.Context, cmd CommandRecord, stopped *atomic.Bool) error {
	cm.closeCurrent()
	return cm.EnsureReady(ctx, cmd, stopped)
}

// ClearPool closes and releases the current connection and then purges the
// driver-side pool entry for its DSN, swallowing errors. It is called on
// fatal errors and on nonpooled reset-connection commands; the tracing path
// resets the pool for its own DSN itself (see tracer.Emit).
func (cm *connManager) ClearPool() {
	dsn := cm.currentDSN
	if cm.conn != nil {
		_ = cm.conn.Close(context.Background())
		cm.conn = nil
	}
	if dsn != "" {
		cm.registry.Reset(dsn)
	}
}

// Close releases the current connection, if any, swallowing errors. Used on
// worker disposal.
func (cm *connManager) Close() {
	cm.closeCurrent()
}
