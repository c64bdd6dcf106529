package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"meshgate/pkg/model"
	"meshgate/pkg/rules"
	"meshgate/pkg/tunnel"
)

// HealthChecker classifies endpoint health. *tunnel.Manager satisfies it;
// tests inject a forced source.
type HealthChecker interface {
	HealthCheck(endpointID string) tunnel.Health
}

// ExitNodeSource reports the host's mesh address and whether it currently
// advertises itself as a mesh exit node.
type ExitNodeSource interface {
	ExitStatus(ctx context.Context) (hostAddr string, advertising bool, err error)
}

// Reconciler converges kernel state with the enrollment store on a timer:
// bypass rule first, then health-driven failover, pending retries and
// self-heal of externally removed rules.
type Reconciler struct {
	engine *Engine
	health HealthChecker
	exit   ExitNodeSource // optional
	now    func() time.Time

	advertise  bool
	downStreak map[string]int // peerAddr -> consecutive Down cycles
}

func NewReconciler(e *Engine, health HealthChecker) *Reconciler {
	return &Reconciler{
		engine:     e,
		health:     health,
		now:        time.Now,
		downStreak: make(map[string]int),
	}
}

// SetExitSource wires the mesh directory as the source of the host's
// exit-node advertisement state, polled each cycle.
func (r *Reconciler) SetExitSource(src ExitNodeSource) { r.exit = src }

// SetAdvertiseExit forces the advertisement flag when no exit source is wired.
func (r *Reconciler) SetAdvertiseExit(b bool) { r.advertise = b }

// SetClock injects a time source for tests.
func (r *Reconciler) SetClock(fn func() time.Time) { r.now = fn }

// Run cycles until ctx is cancelled. The period is re-read from settings each
// cycle so operators can tune it at runtime.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("reconciler started")
	for {
		r.Cycle(ctx)
		st, err := r.engine.store.GetSettings()
		if err != nil {
			st = model.DefaultSettings()
		}
		period := model.ParseDuration(st.Reconcile.CyclePeriod, 15*time.Second)
		select {
		case <-ctx.Done():
			log.Printf("reconciler stopped")
			return
		case <-time.After(period):
		}
	}
}

// Cycle runs one reconciliation pass. The bypass rule is re-asserted before
// anything else: its absence turns the host into a tunnel-for-everyone
// gateway, which is worse than any single peer losing its routing.
func (r *Reconciler) Cycle(ctx context.Context) {
	e := r.engine

	if r.exit != nil {
		host, adv, err := r.exit.ExitStatus(ctx)
		if err != nil {
			log.Printf("reconcile: exit-node status: %v", err)
		} else {
			e.SetHostAddr(host)
			r.advertise = adv
		}
	}
	if _, err := e.EnsureBypass(r.advertise); err != nil {
		log.Printf("reconcile: bypass: %v", err)
	}
	if _, err := e.EnsureForwarding(); err != nil {
		log.Printf("reconcile: ip forwarding: %v", err)
	}

	st, err := e.store.GetSettings()
	if err != nil {
		st = model.DefaultSettings()
	}
	failThreshold := st.Reconcile.FailThreshold
	if failThreshold <= 0 {
		failThreshold = 3
	}
	maxRetries := st.Reconcile.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	enrs, err := e.store.ListEnrollments()
	if err != nil {
		log.Printf("reconcile: list enrollments: %v", err)
		return
	}

	// Drop streak entries for peers that are no longer applied so a
	// re-enrollment starts from a clean slate.
	active := make(map[string]bool, len(enrs))
	for _, enr := range enrs {
		if enr.State == model.StateApplied && enr.Enabled {
			active[enr.PeerAddr] = true
		}
	}
	for peer := range r.downStreak {
		if !active[peer] {
			delete(r.downStreak, peer)
		}
	}

	now := r.now()
	for _, enr := range enrs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch enr.State {
		case model.StateFailing:
			// Unfinished teardown from an earlier cycle.
			e.mu.Lock()
			if err := e.removeLocked(enr, "teardown retry", true); err != nil {
				log.Printf("reconcile: teardown retry peer=%s: %v", enr.PeerAddr, err)
			}
			e.mu.Unlock()
		case model.StateApplied:
			if !enr.Enabled {
				continue
			}
			r.sweepApplied(enr.PeerAddr, now, failThreshold)
		case model.StatePending:
			if !enr.Enabled {
				continue
			}
			if !enr.NextAttempt.IsZero() && now.Before(enr.NextAttempt) {
				continue
			}
			r.retryPending(ctx, enr, maxRetries, now)
		}
	}
}

// sweepApplied health-checks one applied enrollment, fails it over after the
// configured streak of Down cycles, and re-installs directives that were
// removed out from under us. The enrollment is re-fetched under the engine
// lock: the cycle's snapshot may be stale by the time this peer's turn comes
// (a user disable in between must not be resurrected).
func (r *Reconciler) sweepApplied(peerAddr string, now time.Time, failThreshold int) {
	e := r.engine

	e.mu.Lock()
	cur, ok, err := e.store.GetEnrollment(peerAddr)
	if err != nil {
		e.mu.Unlock()
		log.Printf("reconcile: enrollment lookup peer=%s: %v", peerAddr, err)
		return
	}
	if !ok || cur.State != model.StateApplied || !cur.Enabled {
		e.mu.Unlock()
		delete(r.downStreak, peerAddr)
		return
	}

	h := r.health.HealthCheck(cur.EndpointID)
	cur.LastHealthCheck = now
	if err := e.store.SaveEnrollment(cur); err != nil {
		log.Printf("reconcile: persist health check peer=%s: %v", peerAddr, err)
	}

	if h == tunnel.Down {
		r.downStreak[peerAddr]++
	} else {
		r.downStreak[peerAddr] = 0
	}
	if r.downStreak[peerAddr] >= failThreshold {
		delete(r.downStreak, peerAddr)
		e.mu.Unlock()
		reason := fmt.Sprintf("endpoint %s down for %d consecutive cycles", cur.EndpointID, failThreshold)
		if err := e.Failover(cur, reason); err != nil {
			log.Printf("reconcile: failover peer=%s: %v", peerAddr, err)
		}
		return
	}

	r.selfHealLocked(cur)
	e.mu.Unlock()
}

// selfHealLocked re-applies directives of an applied enrollment that are no
// longer present in the kernel. Caller holds e.mu and has verified the
// enrollment is current.
func (r *Reconciler) selfHealLocked(enr model.Enrollment) {
	e := r.engine

	iface, held := e.tunnels.Iface(enr.EndpointID)
	if !held {
		// No live tunnel reference; the health sweep owns that case.
		return
	}
	ds := rules.Compile(rules.Binding{PeerAddr: enr.PeerAddr, Iface: iface, TableID: enr.TableID})
	missing, err := e.installer.Missing(ds)
	if err != nil {
		log.Printf("reconcile: directive check peer=%s: %v", enr.PeerAddr, err)
		return
	}
	if len(missing) == 0 {
		return
	}
	log.Printf("reconcile: %d directives missing for peer=%s, reinstalling", len(missing), enr.PeerAddr)
	if err := e.installer.Apply(missing); err != nil {
		log.Printf("reconcile: reinstall peer=%s: %v", enr.PeerAddr, err)
		e.event("self_heal_failed", enr.PeerAddr, enr.EndpointID, "error",
			fmt.Sprintf("could not reinstall %d removed directives: %v", len(missing), err))
		return
	}
	e.event("self_heal", enr.PeerAddr, enr.EndpointID, "warn",
		fmt.Sprintf("reinstalled %d externally removed directives for %s", len(missing), enr.PeerAddr))
}

// retryPending attempts the apply pipeline once for a pending enrollment,
// with exponential backoff between attempts and a terminal disable past the
// retry cap.
func (r *Reconciler) retryPending(ctx context.Context, enr model.Enrollment, maxRetries int, now time.Time) {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok, err := e.store.GetEnrollment(enr.PeerAddr)
	if err != nil || !ok || cur.State != model.StatePending || !cur.Enabled {
		return
	}
	ep, ok, err := e.store.GetEndpoint(cur.EndpointID)
	if err != nil {
		log.Printf("reconcile: endpoint lookup %s: %v", cur.EndpointID, err)
		return
	}
	if !ok {
		r.disablePendingLocked(cur, fmt.Sprintf("endpoint %s no longer available", cur.EndpointID))
		return
	}

	cur.Attempts++
	if err := e.applyLocked(ctx, &cur, ep); err != nil {
		if cur.Attempts >= maxRetries {
			r.disablePendingLocked(cur, fmt.Sprintf("giving up after %d attempts: %v", cur.Attempts, err))
			return
		}
		cur.LastError = err.Error()
		cur.NextAttempt = now.Add(e.retryBackoff(cur.Attempts))
		if serr := e.store.SaveEnrollment(cur); serr != nil {
			log.Printf("reconcile: persist pending peer=%s: %v", cur.PeerAddr, serr)
		}
		log.Printf("reconcile: retry %d for peer=%s failed, next at %s: %v",
			cur.Attempts, cur.PeerAddr, cur.NextAttempt.Format(time.RFC3339), err)
	}
}

// disablePendingLocked terminally disables a pending enrollment, releasing
// its table id and surfacing the concrete reason. Caller holds e.mu.
func (r *Reconciler) disablePendingLocked(enr model.Enrollment, reason string) {
	e := r.engine
	if err := e.pool.Release(enr.TableID); err != nil {
		log.Printf("release table %d: %v", enr.TableID, err)
	}
	enr.State = model.StateDisabled
	enr.Enabled = false
	enr.LastError = reason
	if err := e.store.SaveEnrollment(enr); err != nil {
		log.Printf("persist disabled enrollment peer=%s: %v", enr.PeerAddr, err)
	}
	e.event("disabled", enr.PeerAddr, enr.EndpointID, "error",
		fmt.Sprintf("routing for %s disabled: %s", enr.PeerAddr, reason))
}
