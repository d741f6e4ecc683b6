package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// poolRegistry is the process-global set of pgxpool.Pool instances, keyed by
// effective DSN, generalized from a per-user backend pool map into one pool
// per (host, port, user, database) a worker might dial.
//
// Workers never keep connections checked out of these pools: Open()
// immediately hijacks the acquired connection so the worker holds it
// exclusively. The pool therefore exists only so clear_pool's "purge the
// process-global driver
// pool" has a well-defined, sharable target: Reset() on a DSN's pool forces
// any other worker's next Acquire against that DSN to dial fresh.
type poolRegistry struct {
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
	group singleflight.Group
}

func newPoolRegistry() *poolRegistry {
	return &poolRegistry{pools: make(map[string]*pgxpool.Pool)}
}

// Get returns the pool for dsn, creating it on first use. Concurrent callers
// racing to create the same DSN's pool are deduplicated via singleflight so
// only one pgxpool.Pool is ever constructed per DSN.
func (r *poolRegistry) Get(ctx context.Context, dsn string, configure func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	r.mu.Lock()
	if p, ok := r.pools[dsn]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(dsn, func() (any, error) {
		r.mu.Lock()
		if p, ok := r.pools[dsn]; ok {
			r.mu.Unlock()
			return p, nil
		}
		r.mu.Unlock()

		cfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("pool registry: parse dsn: %w", err)
		}
		if configure != nil {
			configure(cfg)
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("pool registry: create pool: %w", err)
		}

		r.mu.Lock()
		r.pools[dsn] = pool
		r.mu.Unlock()
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pgxpool.Pool), nil
}

// Reset purges the pool registered for dsn, if any: idle connections are
// closed immediately and any checked-out connections are marked for
// destruction on return. This is the pgx-native equivalent of clearing a
// process-global ADO.NET-style connection pool for a connection string.
func (r *poolRegistry) Reset(dsn string) {
	r.mu.Lock()
	p, ok := r.pools[dsn]
	r.mu.Unlock()
	if ok {
		p.Reset()
	}
}

// CloseAll closes every pool the registry has created. Intended for process
// shutdown / test teardown.
func (r *poolRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dsn, p := range r.pools {
		p.Close()
		delete(r.pools, dsn)
	}
}
