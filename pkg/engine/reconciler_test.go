package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate/pkg/model"
	"meshgate/pkg/rules"
	"meshgate/pkg/tunnel"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newReconcilerFixture(t *testing.T) (*fixture, *Reconciler, *fakeClock) {
	t.Helper()
	f := newFixture(t)
	r := NewReconciler(f.engine, f.tm)
	clk := &fakeClock{t: time.Now()}
	r.SetClock(clk.Now)
	return f, r, clk
}

// routeLookup simulates the kernel's rule evaluation for a source address
// against the installed directives: lowest priority lookup rule whose source
// matches wins, otherwise the main table.
func routeLookup(k *rules.FakeKernel, src string) int {
	table := rules.TableMain
	best := 1 << 30
	for _, d := range k.Installed() {
		if d.Kind == rules.RuleLookup && d.Src == src && d.Priority < best {
			best = d.Priority
			table = d.Table
		}
	}
	return table
}

func TestUnenrolledPeerResolvesToMainTable(t *testing.T) {
	f, r, _ := newReconcilerFixture(t)
	r.SetAdvertiseExit(true)
	r.Cycle(context.Background())

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.NoError(t, err)
	enr := f.enrollment(t, "100.64.0.5")

	assert.Equal(t, enr.TableID, routeLookup(f.kernel, "100.64.0.5"))
	assert.Equal(t, rules.TableMain, routeLookup(f.kernel, "100.64.0.6"), "unenrolled peer must hit the main table")
	assert.Equal(t, rules.TableMain, routeLookup(f.kernel, hostAddr), "host bypass wins over any tunnel rule")
}

func TestFailoverAfterConsecutiveDownCycles(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.NoError(t, err)
	tableID := f.enrollment(t, "100.64.0.5").TableID

	// interface vanishes: health checks report Down from now on
	f.link.Drop("wgp-sg-1")

	for i := 0; i < 2; i++ {
		clk.Advance(time.Minute)
		r.Cycle(context.Background())
		enr := f.enrollment(t, "100.64.0.5")
		assert.Equal(t, model.StateApplied, enr.State, "still applied below the threshold (cycle %d)", i+1)
		assert.Equal(t, clk.Now(), enr.LastHealthCheck)
	}

	clk.Advance(time.Minute)
	r.Cycle(context.Background())

	enr := f.enrollment(t, "100.64.0.5")
	assert.Equal(t, model.StateDisabled, enr.State)
	assert.False(t, enr.Enabled)
	assert.Contains(t, enr.LastError, "down for 3 consecutive cycles")
	assert.Empty(t, f.kernel.Installed(), "failover tears down all directives")

	_, owned := f.pool.Owner(tableID)
	assert.False(t, owned, "table id freed for future allocations")

	status, err := f.engine.Status()
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, model.StateDisabled, status[0].State)

	evs, err := f.store.ListEvents(0)
	require.NoError(t, err)
	var sawFailover bool
	for _, ev := range evs {
		if ev.Type == "failover" && ev.PeerAddr == "100.64.0.5" {
			sawFailover = true
		}
	}
	assert.True(t, sawFailover, "failover surfaced as a user-visible event")
}

func TestHealthRecoveryResetsStreak(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.NoError(t, err)

	f.link.Drop("wgp-sg-1")
	for i := 0; i < 2; i++ {
		clk.Advance(time.Minute)
		r.Cycle(context.Background())
	}

	// interface comes back before the third strike
	_, err = f.tm.EnsureUp(context.Background(), model.TunnelEndpoint{ID: "sg-1", ServerIP: "203.0.113.10"})
	require.NoError(t, err)
	require.NoError(t, f.tm.Release("sg-1")) // drop the extra reference, keep the link

	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		r.Cycle(context.Background())
	}
	assert.Equal(t, model.StateApplied, f.enrollment(t, "100.64.0.5").State)
}

func TestBypassSurvivesEnrollmentChurn(t *testing.T) {
	f, r, _ := newReconcilerFixture(t)
	r.SetAdvertiseExit(true)
	r.Cycle(context.Background())

	bypass := rules.BypassDirective(hostAddr)
	present, err := f.kernel.Present(bypass)
	require.NoError(t, err)
	require.True(t, present)

	for i := 5; i < 8; i++ {
		_, err := f.engine.EnableRouting(context.Background(), fmt.Sprintf("100.64.0.%d", i), "sg-1")
		require.NoError(t, err)
	}
	require.NoError(t, f.engine.DisableRouting(context.Background(), "100.64.0.5"))
	require.NoError(t, f.engine.DisableRouting(context.Background(), "100.64.0.6"))
	r.Cycle(context.Background())

	present, err = f.kernel.Present(bypass)
	require.NoError(t, err)
	assert.True(t, present, "enrollment churn must not disturb the bypass rule")
}

func TestBypassHealedAfterExternalRemoval(t *testing.T) {
	f, r, _ := newReconcilerFixture(t)
	r.SetAdvertiseExit(true)
	r.Cycle(context.Background())

	bypass := rules.BypassDirective(hostAddr)
	f.kernel.Drop(bypass)
	r.Cycle(context.Background())

	present, err := f.kernel.Present(bypass)
	require.NoError(t, err)
	assert.True(t, present)

	evs, err := f.store.ListEvents(0)
	require.NoError(t, err)
	var healed bool
	for _, ev := range evs {
		if ev.Type == "bypass_healed" {
			healed = true
			assert.Equal(t, "error", ev.Severity, "a missing bypass rule is a leak window")
		}
	}
	assert.True(t, healed)
}

func TestBypassRemovedWhenExitNotAdvertised(t *testing.T) {
	f, r, _ := newReconcilerFixture(t)
	r.SetAdvertiseExit(true)
	r.Cycle(context.Background())

	r.SetAdvertiseExit(false)
	r.Cycle(context.Background())

	present, err := f.kernel.Present(rules.BypassDirective(hostAddr))
	require.NoError(t, err)
	assert.False(t, present)
}

func TestSelfHealReinstallsRemovedDirectives(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.NoError(t, err)
	enr := f.enrollment(t, "100.64.0.5")

	lookup := rules.Directive{
		Kind:     rules.RuleLookup,
		Src:      "100.64.0.5",
		Table:    enr.TableID,
		Priority: rules.PriorityPeerRule,
	}
	f.kernel.Drop(lookup)

	clk.Advance(time.Minute)
	r.Cycle(context.Background())

	present, err := f.kernel.Present(lookup)
	require.NoError(t, err)
	assert.True(t, present, "externally removed rule reinstalled")
	assert.Len(t, f.kernel.Installed(), 4)

	evs, err := f.store.ListEvents(0)
	require.NoError(t, err)
	var healed bool
	for _, ev := range evs {
		if ev.Type == "self_heal" && ev.PeerAddr == "100.64.0.5" {
			healed = true
		}
	}
	assert.True(t, healed)
}

func TestPendingRetriesThenTerminalDisable(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	st, err := f.store.GetSettings()
	require.NoError(t, err)
	st.Reconcile.MaxRetries = 3
	st.Reconcile.RetryBackoff = "1s"
	require.NoError(t, f.store.UpdateSettings(st))

	// tunnel never comes up
	f.link.StuckDown = true
	f.tm = tunnel.NewManager(f.link, tunnel.Config{LinkUpTimeout: 50 * time.Millisecond})
	f.engine.tunnels = f.tm
	r.health = f.tm

	_, err = f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tunnel.ErrInterfaceTimeout))
	require.Equal(t, 1, f.enrollment(t, "100.64.0.5").Attempts)

	clk.Advance(time.Hour)
	r.Cycle(context.Background())
	enr := f.enrollment(t, "100.64.0.5")
	assert.Equal(t, model.StatePending, enr.State)
	assert.Equal(t, 2, enr.Attempts)
	assert.True(t, enr.NextAttempt.After(clk.Now()), "next attempt backed off")

	// before the backoff elapses, nothing happens
	r.Cycle(context.Background())
	assert.Equal(t, 2, f.enrollment(t, "100.64.0.5").Attempts)

	clk.Advance(time.Hour)
	r.Cycle(context.Background())

	enr = f.enrollment(t, "100.64.0.5")
	assert.Equal(t, model.StateDisabled, enr.State)
	assert.False(t, enr.Enabled)
	assert.Contains(t, enr.LastError, "giving up after 3 attempts")
	assert.Equal(t, 0, f.pool.InUse(), "table id released on terminal disable")
}

func TestPendingSucceedsOnRetry(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	// first apply fails on the last directive, then the kernel recovers
	var failures int
	f.kernel.FailOn = func(d rules.Directive) error {
		if d.Kind == rules.Masquerade && failures == 0 {
			failures++
			return errors.New("iptables: resource busy")
		}
		return nil
	}

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.Error(t, err)

	clk.Advance(time.Hour)
	r.Cycle(context.Background())

	enr := f.enrollment(t, "100.64.0.5")
	assert.Equal(t, model.StateApplied, enr.State)
	assert.Empty(t, enr.LastError)
	assert.Len(t, f.kernel.Installed(), 4)
}

func TestSweepSkipsConcurrentlyDisabledPeer(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.NoError(t, err)
	_, err = f.engine.EnableRouting(context.Background(), "100.64.0.6", "sg-1")
	require.NoError(t, err)

	// The user disables the peer after the cycle snapshotted the enrollment
	// list but before the sweep reaches it.
	require.NoError(t, f.engine.DisableRouting(context.Background(), "100.64.0.5"))
	r.sweepApplied("100.64.0.5", clk.Now(), 3)

	_, ok, err := f.store.GetEnrollment("100.64.0.5")
	require.NoError(t, err)
	assert.False(t, ok, "disabled enrollment must not be resurrected")
	for _, d := range f.kernel.Installed() {
		assert.NotEqual(t, "100.64.0.5", d.Src,
			"no directive reinstalled for the disabled peer: %s", d.String())
	}
	assert.Equal(t, 1, f.pool.InUse(), "only the remaining peer holds a table")
}

func TestDownStreakClearedWhenPeerDisabled(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.NoError(t, err)

	f.link.Drop("wgp-sg-1")
	for i := 0; i < 2; i++ {
		clk.Advance(time.Minute)
		r.Cycle(context.Background())
	}
	require.Equal(t, 2, r.downStreak["100.64.0.5"])

	require.NoError(t, f.engine.DisableRouting(context.Background(), "100.64.0.5"))
	clk.Advance(time.Minute)
	r.Cycle(context.Background())

	_, tracked := r.downStreak["100.64.0.5"]
	assert.False(t, tracked, "streak entry pruned once the peer is gone")
}

func TestForwardingEnabledOnCycle(t *testing.T) {
	f, r, _ := newReconcilerFixture(t)
	f.engine.SetForwardingController(f.kernel)

	on, err := f.kernel.ForwardingEnabled()
	require.NoError(t, err)
	require.False(t, on)

	r.Cycle(context.Background())

	on, err = f.kernel.ForwardingEnabled()
	require.NoError(t, err)
	assert.True(t, on, "cycle turns ip forwarding on")

	evs, err := f.store.ListEvents(0)
	require.NoError(t, err)
	var surfaced bool
	for _, ev := range evs {
		if ev.Type == "forwarding_enabled" {
			surfaced = true
		}
	}
	assert.True(t, surfaced)
}

func TestForwardingLeftAloneWhenOn(t *testing.T) {
	f, _, _ := newReconcilerFixture(t)
	f.engine.SetForwardingController(f.kernel)
	f.kernel.SetForwarding(true)

	flipped, err := f.engine.EnsureForwarding()
	require.NoError(t, err)
	assert.False(t, flipped)
}

func TestTeardownRetriedNextCycle(t *testing.T) {
	f, r, clk := newReconcilerFixture(t)

	_, err := f.engine.EnableRouting(context.Background(), "100.64.0.5", "sg-1")
	require.NoError(t, err)

	f.kernel.FailRemove = func(d rules.Directive) error {
		if d.Kind == rules.Masquerade {
			return errors.New("iptables: resource busy")
		}
		return nil
	}
	err = f.engine.DisableRouting(context.Background(), "100.64.0.5")
	require.Error(t, err)
	var tie *rules.TeardownIncompleteError
	assert.True(t, errors.As(err, &tie))
	assert.Equal(t, model.StateFailing, f.enrollment(t, "100.64.0.5").State)

	f.kernel.FailRemove = nil
	clk.Advance(time.Minute)
	r.Cycle(context.Background())

	assert.Empty(t, f.kernel.Installed(), "retried teardown removed the leftover rule")
	enr := f.enrollment(t, "100.64.0.5")
	assert.Equal(t, model.StateDisabled, enr.State)
}
