package sharding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/dialect/sql"
)

// DefaultCatalogTTL is the default lifetime of cached catalog listings.
const DefaultCatalogTTL = time.Minute

type listing struct {
	names []string
	at    time.Time
}

// catalog caches the table listings of one database. Concurrent lookups of
// one pattern share a single catalog query.
type catalog struct {
	p     *dialect.Provider
	ttl   time.Duration
	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]listing
	now   func() time.Time
}

func newCatalog(p *dialect.Provider, ttl time.Duration) *catalog {
	return &catalog{p: p, ttl: ttl, cache: make(map[string]listing), now: time.Now}
}

// lister binds the catalog to the connection running the catalog query.
type lister struct {
	c  *catalog
	eq dialect.ExecQuerier
	// seen caches the listings of one resolution.
	seen map[string][]string
}

// List implements the Lister interface.
func (l *lister) List(ctx context.Context, pattern string) ([]string, error) {
	if names, ok := l.seen[pattern]; ok {
		return names, nil
	}
	names, err := l.c.list(ctx, l.eq, pattern)
	if err != nil {
		return nil, err
	}
	l.seen[pattern] = names
	return names, nil
}

func (c *catalog) list(ctx context.Context, eq dialect.ExecQuerier, pattern string) ([]string, error) {
	c.mu.RLock()
	e, ok := c.cache[pattern]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.at) < c.ttl {
		return e.names, nil
	}
	if eq == nil {
		return nil, fmt.Errorf("sharding: catalog lookup of %q without connection", pattern)
	}
	v, err, _ := c.group.Do(pattern, func() (any, error) {
		names, err := c.query(ctx, eq, pattern)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[pattern] = listing{names: names, at: c.now()}
		c.mu.Unlock()
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *catalog) query(ctx context.Context, eq dialect.ExecQuerier, pattern string) (names []string, err error) {
	if c.p.CatalogQuery == "" {
		return nil, fmt.Errorf("%w: catalog query on %s", dialect.ErrUnsupported, c.p.Name)
	}
	var rows sql.Rows
	if err := eq.Query(ctx, c.p.CatalogQuery, []any{pattern}, &rows); err != nil {
		return nil, fmt.Errorf("sharding: catalog query: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sharding: catalog scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// invalidate drops the cached listings.
func (c *catalog) invalidate() {
	c.mu.Lock()
	clear(c.cache)
	c.mu.Unlock()
}
