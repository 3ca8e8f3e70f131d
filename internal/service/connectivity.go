package service

import (
	"context"
	"sync"
	"time"

	"edunexus/internal/constants"
	"edunexus/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// ConnectivityGate answers "is the primary database reachable right now".
// Every database-writing worker consults it before attempting a drain;
// the outbox worker deliberately does not (mail and database are
// independent failure domains).
type ConnectivityGate interface {
	IsReachable(ctx context.Context) bool
}

// databaseProber is the probe surface the gate needs from the store.
type databaseProber interface {
	CheckConnection(ctx context.Context) error
}

// DatabaseGate probes the database behind a circuit breaker: once the
// probe has failed repeatedly the gate reports unreachable without
// touching the database until the breaker half-opens.
type DatabaseGate struct {
	db      databaseProber
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewDatabaseGate(db databaseProber, logger *logrus.Logger) *DatabaseGate {
	breaker := circuitbreaker.NewWithLogger(
		"database-probe",
		constants.DefaultGateMaxFailures,
		time.Duration(constants.DefaultGateOpenTimeoutSec)*time.Second,
		logger,
	)
	return &DatabaseGate{
		db:      db,
		breaker: breaker,
		logger:  logger,
	}
}

func (g *DatabaseGate) IsReachable(ctx context.Context) bool {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.db.CheckConnection(ctx)
	})
	if err != nil {
		g.logger.WithError(err).Debug("Database unreachable")
		return false
	}
	return true
}

// BreakerStats exposes the probe breaker state for the health endpoint.
func (g *DatabaseGate) BreakerStats() circuitbreaker.Stats {
	return g.breaker.GetStats()
}

// StaticGate is a fixed-answer gate for tests, making "DB down" scenarios
// deterministic instead of depending on real network failure.
type StaticGate struct {
	mu        sync.Mutex
	reachable bool
}

func NewStaticGate(reachable bool) *StaticGate {
	return &StaticGate{reachable: reachable}
}

func (g *StaticGate) IsReachable(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reachable
}

// SetReachable flips the gate, simulating connectivity loss or recovery.
func (g *StaticGate) SetReachable(reachable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reachable = reachable
}
