package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/registry"
)

// fakeSession is a minimal registry.Session for driving the sweep directly,
// matching the "construct the real struct" discipline used by the other
// packages' tests.
type fakeSession struct {
	id        registry.ConnID
	principal auth.Principal
	origin    registry.Origin
	lastPong  atomic.Int64 // unix nano

	mu         sync.Mutex
	closed     bool
	closeCode  int
	closeMsg   string
}

func newFakeSession(id registry.ConnID, p auth.Principal, origin registry.Origin) *fakeSession {
	f := &fakeSession{id: id, principal: p, origin: origin}
	f.lastPong.Store(time.Now().UnixNano())
	return f
}

func (f *fakeSession) ConnID() registry.ConnID     { return f.id }
func (f *fakeSession) Principal() auth.Principal   { return f.principal }
func (f *fakeSession) Origin() registry.Origin     { return f.origin }
func (f *fakeSession) RemoteAddr() string          { return "127.0.0.1" }
func (f *fakeSession) Send(envelope.Envelope)      {}
func (f *fakeSession) LastPong() time.Time         { return time.Unix(0, f.lastPong.Load()) }
func (f *fakeSession) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeMsg = reason
}
func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeAckSweeper struct {
	swept   atomic.Int64
	pending atomic.Int64
}

func (f *fakeAckSweeper) SweepExpiredAcks(time.Time) { f.swept.Add(1) }
func (f *fakeAckSweeper) PendingAcks() int           { return int(f.pending.Load()) }

type fakeBanSweeper struct {
	swept atomic.Int64
	bans  atomic.Int64
}

func (f *fakeBanSweeper) Sweep(time.Duration) { f.swept.Add(1) }
func (f *fakeBanSweeper) ActiveBans() int     { return int(f.bans.Load()) }

type fakeMetrics struct {
	mu    sync.Mutex
	calls int
	last  [4]int
}

func (f *fakeMetrics) Snapshot(adapters int, byRole [4]int, pendingAcks, activeBans int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = byRole
}

func (f *fakeMetrics) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testSupervisor(t *testing.T, reg *registry.Registry, acks AckSweeper, bans BanSweeper, m MetricsSnapshotter) *Supervisor {
	t.Helper()
	cfg := Config{
		SweepInterval:   10 * time.Millisecond,
		IdleTimeout:     50 * time.Millisecond,
		ShutdownDrain:   time.Second,
		BanSweepMaxIdle: time.Minute,
		CoarseSchedule:  "@every 1h",
	}
	return New(cfg, reg, acks, bans, m)
}

func TestFineSweepClosesIdleSessionsAndSweepsAcks(t *testing.T) {
	reg := registry.New(1 << 20)
	fresh := newFakeSession(1, auth.Client("u1", "", envelope.RoleGuest), registry.ClientListener)
	stale := newFakeSession(2, auth.Client("u2", "", envelope.RoleGuest), registry.ClientListener)
	stale.lastPong.Store(time.Now().Add(-time.Hour).UnixNano())
	reg.Insert(fresh)
	reg.Insert(stale)

	acks := &fakeAckSweeper{}
	bans := &fakeBanSweeper{}
	metrics := &fakeMetrics{}
	s := testSupervisor(t, reg, acks, bans, metrics)

	s.runFineSweep(time.Now())

	assert.False(t, fresh.isClosed())
	assert.True(t, stale.isClosed())
	assert.Equal(t, 1001, stale.closeCode)
	assert.Equal(t, "idle_timeout", stale.closeMsg)
	assert.Equal(t, int64(1), acks.swept.Load())
	assert.Equal(t, 1, metrics.callCount())
}

func TestCoarseSweepCompactsBansAndLogs(t *testing.T) {
	reg := registry.New(1 << 20)
	acks := &fakeAckSweeper{}
	bans := &fakeBanSweeper{}
	s := testSupervisor(t, reg, acks, bans, nil)

	s.runCoarseSweep()

	assert.Equal(t, int64(1), bans.swept.Load())
}

func TestShutdownBroadcastsCloseAndDrains(t *testing.T) {
	reg := registry.New(1 << 20)
	sess := newFakeSession(1, auth.Client("u1", "", envelope.RoleGuest), registry.ClientListener)
	reg.Insert(sess)

	acks := &fakeAckSweeper{}
	bans := &fakeBanSweeper{}
	s := testSupervisor(t, reg, acks, bans, nil)
	s.Start()

	// Simulate the connection's own goroutine removing itself from the
	// registry shortly after observing the close, like transport's
	// acceptSession wiring does.
	go func() {
		for !sess.isClosed() {
			time.Sleep(time.Millisecond)
		}
		reg.Remove(sess.ConnID())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	require.True(t, sess.isClosed())
	assert.Equal(t, 1001, sess.closeCode)
	assert.Equal(t, "server_shutdown", sess.closeMsg)
	assert.Equal(t, 0, reg.Len())
}
