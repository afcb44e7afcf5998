// Package health runs the three-way readiness probe: a relational query, a
// broker ping, and an object-store reachability check, each independently
// bounded and run in parallel.
package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/objectstore"
)

// probeTimeout bounds a single dependency probe; overallTimeout bounds the
// whole check, including goroutine scheduling overhead.
const (
	probeTimeout   = 3 * time.Second
	overallTimeout = 5 * time.Second
)

// Dependency is one probed subsystem's outcome.
type Dependency struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report is the aggregate result of one Check call.
type Report struct {
	Healthy      bool         `json:"healthy"`
	Dependencies []Dependency `json:"dependencies"`
}

// Checker probes the database, broker, and object store.
type Checker struct {
	db     *gorm.DB
	broker *broker.Broker
	store  *objectstore.Store
}

func New(database *gorm.DB, b *broker.Broker, store *objectstore.Store) *Checker {
	return &Checker{db: database, broker: b, store: store}
}

// Check runs all three probes in parallel and returns once every probe has
// reported or the overall deadline passes, whichever is first.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	deps := make([]Dependency, 3)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		deps[0] = probe("database", gctx, c.pingDatabase)
		return nil
	})
	g.Go(func() error {
		deps[1] = probe("broker", gctx, c.pingBroker)
		return nil
	})
	g.Go(func() error {
		deps[2] = probe("object_store", gctx, c.pingObjectStore)
		return nil
	})
	_ = g.Wait() // probe never returns an error itself; it records into deps

	healthy := true
	for _, d := range deps {
		if !d.Healthy {
			healthy = false
		}
	}
	return Report{Healthy: healthy, Dependencies: deps}
}

func probe(name string, ctx context.Context, fn func(context.Context) error) Dependency {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := fn(pctx)
	latency := time.Since(start)

	d := Dependency{Name: name, Healthy: err == nil, LatencyMS: latency.Milliseconds()}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

func (c *Checker) pingDatabase(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("acquire sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (c *Checker) pingBroker(ctx context.Context) error {
	return c.broker.Ping(ctx)
}

func (c *Checker) pingObjectStore(ctx context.Context) error {
	return objectstore.ProbeListOne(ctx, c.store)
}
