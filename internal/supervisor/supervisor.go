// Package supervisor runs the hub's background maintenance: a fine ticker
// sweep for idle sessions and expired pending acks plus the counter
// snapshot; a coarser cron-driven pass for ban-list compaction and periodic
// metrics log-lines; and the graceful shutdown sequence that broadcasts a
// close to every session and waits for the sessions to leave the registry.
package supervisor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bconhub/hub/internal/logging"
	"github.com/bconhub/hub/internal/registry"
)

// AckSweeper is the narrow slice of router.Router the supervisor drives.
type AckSweeper interface {
	SweepExpiredAcks(now time.Time)
}

// BanSweeper is the narrow slice of ratelimit.Limiter the supervisor drives.
type BanSweeper interface {
	Sweep(maxIdle time.Duration)
	ActiveBans() int
}

// MetricsSnapshotter receives a point-in-time snapshot of hub state once per
// tick. Implemented by metrics.Collector.
type MetricsSnapshotter interface {
	Snapshot(adapters int, clientsByRole [4]int, pendingAcks, activeBans int)
}

// Config carries the timing parameters the supervisor needs, derived once
// from the global hub Config at startup.
type Config struct {
	SweepInterval   time.Duration
	IdleTimeout     time.Duration
	ShutdownDrain   time.Duration
	BanSweepMaxIdle time.Duration
	CoarseSchedule  string // robfig/cron/v3 expression for the slow jobs
}

// Supervisor owns the background goroutines that keep the hub's maintained
// state (sessions, bans, pending acks, metrics) bounded and current.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	acks    AckSweeper
	bans    BanSweeper
	metrics MetricsSnapshotter

	cron   *cron.Cron
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Supervisor. Start must be called to begin the background
// loops.
func New(cfg Config, reg *registry.Registry, acks AckSweeper, bans BanSweeper, metrics MetricsSnapshotter) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		reg:     reg,
		acks:    acks,
		bans:    bans,
		metrics: metrics,
		cron:    cron.New(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the one-second ticker sweep and the coarse cron jobs in
// background goroutines, returning immediately.
func (s *Supervisor) Start() {
	if _, err := s.cron.AddFunc(s.cfg.CoarseSchedule, s.runCoarseSweep); err != nil {
		logging.Supervisor().Error().Err(err).Str("schedule", s.cfg.CoarseSchedule).Msg("invalid coarse sweep schedule, coarse jobs disabled")
	}
	s.cron.Start()

	go s.tickLoop()
	logging.Supervisor().Info().Dur("sweep_interval", s.cfg.SweepInterval).Msg("supervisor started")
}

func (s *Supervisor) tickLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.runFineSweep(now)
		}
	}
}

// runFineSweep is the per-second pass: expire pending acks, drop sessions
// that have gone quiet, and snapshot counters. Sessions are only ever read
// here — LastPong is an atomic load — never mutated except through their
// own idempotent Close, matching the "checked, not touched" discipline.
func (s *Supervisor) runFineSweep(now time.Time) {
	s.acks.SweepExpiredAcks(now)

	for _, sess := range s.reg.All() {
		if now.Sub(sess.LastPong()) > s.cfg.IdleTimeout {
			sess.Close(1001, "idle_timeout")
		}
	}

	if s.metrics != nil {
		adapters, byRole := s.reg.Counts()
		pending := 0
		if ps, ok := s.acks.(interface{ PendingAcks() int }); ok {
			pending = ps.PendingAcks()
		}
		s.metrics.Snapshot(adapters, byRole, pending, s.bans.ActiveBans())
	}
}

// runCoarseSweep is the cron-driven pass: ban-list compaction and a
// metrics log-line, run far less often than the fine sweep since neither
// needs second-granularity precision.
func (s *Supervisor) runCoarseSweep() {
	s.bans.Sweep(s.cfg.BanSweepMaxIdle)
	adapters, byRole := s.reg.Counts()
	logging.Supervisor().Info().
		Int("active_adapters", adapters).
		Int("active_guests", byRole[0]).
		Int("active_players", byRole[1]).
		Int("active_admins", byRole[2]).
		Int("active_system", byRole[3]).
		Int("active_bans", s.bans.ActiveBans()).
		Msg("coarse sweep")
}

// Shutdown stops the background loops, broadcasts a close to every live
// session, then waits up to ShutdownDrain for every session to leave the
// registry. ctx bounds the whole sequence; if it's cancelled first, Shutdown returns
// without waiting further for drain.
func (s *Supervisor) Shutdown(ctx context.Context) {
	close(s.stopCh)
	<-s.doneCh

	cronCtx := s.cron.Stop()

	sessions := s.reg.All()
	for _, sess := range sessions {
		sess.Close(1001, "server_shutdown")
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownDrain)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.reg.Len() == 0 {
			break
		}
		select {
		case <-drainCtx.Done():
			logging.Supervisor().Warn().Int("remaining", s.reg.Len()).Msg("shutdown drain timed out")
			goto drained
		case <-ticker.C:
		}
	}
drained:

	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	logging.Supervisor().Info().Msg("supervisor stopped")
}
