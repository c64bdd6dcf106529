// Package engine orchestrates per-peer policy routing: it owns the
// allocate -> tunnel-up -> compile -> install pipeline for enables, the
// reverse path for disables and failover, and the background reconciler that
// keeps kernel state converged with the enrollment store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshgate/pkg/alloc"
	"meshgate/pkg/model"
	"meshgate/pkg/rules"
	"meshgate/pkg/store"
	"meshgate/pkg/tunnel"
)

var (
	// ErrNotEnrolled is returned by DisableRouting for a peer without an
	// active enrollment.
	ErrNotEnrolled = errors.New("engine: peer not enrolled")
	// ErrEndpointUnavailable is returned when the requested endpoint is not
	// in the cached directory.
	ErrEndpointUnavailable = errors.New("engine: endpoint unavailable")
)

// TunnelManager is the interface the engine needs from the tunnel layer.
// *tunnel.Manager satisfies it; tests may substitute a fake.
type TunnelManager interface {
	EnsureUp(ctx context.Context, ep model.TunnelEndpoint) (string, error)
	Release(endpointID string) error
	Iface(endpointID string) (string, bool)
	HealthCheck(endpointID string) tunnel.Health
}

// RemoteConfigurer asks enrolled peers to select this host as their gateway.
// Invoked after an enrollment reaches applied; advisory only, its outcome
// never affects enrollment state.
type RemoteConfigurer interface {
	SelectExit(ctx context.Context, hostAddr, peerAddr string) error
}

// StatusEntry is the sanctioned read view of one enrollment. Collaborators
// consume this instead of reading kernel rule state.
type StatusEntry struct {
	PeerAddress     string                `json:"peerAddress"`
	EndpointID      string                `json:"endpointId"`
	State           model.EnrollmentState `json:"state"`
	TableID         int                   `json:"tableId"`
	LastHealthCheck time.Time             `json:"lastHealthCheck,omitempty"`
	LastError       string                `json:"lastError,omitempty"`
}

// Engine serializes every kernel-mutating path behind one mutex. Toggle rate
// is human scale, so coarse locking costs nothing and removes interleaving
// bugs between user toggles and the reconciler.
type Engine struct {
	mu sync.Mutex

	store      store.EnrollmentStore
	pool       *alloc.Pool
	tunnels    TunnelManager
	installer  *rules.Installer
	bypass     *rules.BypassManager
	remote     RemoteConfigurer           // optional
	publish    func(model.Event)          // optional live event sink (websocket hub)
	forwarding rules.ForwardingController // optional
	hostAddr   string

	cancelMu sync.Mutex
	inflight map[string]context.CancelFunc // peerAddr -> cancel of in-flight apply
}

func New(st store.EnrollmentStore, pool *alloc.Pool, tm TunnelManager, inst *rules.Installer, bypass *rules.BypassManager) *Engine {
	return &Engine{
		store:     st,
		pool:      pool,
		tunnels:   tm,
		installer: inst,
		bypass:    bypass,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// SetRemoteConfigurer wires the advisory remote-config collaborator.
func (e *Engine) SetRemoteConfigurer(rc RemoteConfigurer) { e.remote = rc }

// SetHostAddr records the host's own mesh address, used for the bypass rule
// and remote-config notifications.
func (e *Engine) SetHostAddr(addr string) {
	if addr == "" {
		return
	}
	e.hostAddr = addr
	e.bypass.SetHostAddr(addr)
}

// Rehydrate rebuilds the table-id pool and the tunnel refcounts from the
// enrollment store at process start.
func (e *Engine) Rehydrate(ctx context.Context) error {
	enrs, err := e.store.ListEnrollments()
	if err != nil {
		return fmt.Errorf("list enrollments: %w", err)
	}
	assignments := make(map[string]int)
	for _, enr := range enrs {
		if enr.State == model.StateApplied || enr.State == model.StatePending {
			assignments[enr.PeerAddr] = enr.TableID
		}
	}
	if err := e.pool.Rehydrate(assignments); err != nil {
		return fmt.Errorf("rehydrate pool: %w", err)
	}
	for _, enr := range enrs {
		if enr.State != model.StateApplied {
			continue
		}
		ep, ok, err := e.store.GetEndpoint(enr.EndpointID)
		if err != nil || !ok {
			log.Printf("rehydrate: endpoint %s for peer %s missing, reconciler will handle it", enr.EndpointID, enr.PeerAddr)
			continue
		}
		if _, err := e.tunnels.EnsureUp(ctx, ep); err != nil {
			log.Printf("rehydrate: tunnel %s: %v", enr.EndpointID, err)
		}
	}
	log.Printf("rehydrated %d enrollments, %d table ids in use", len(enrs), e.pool.InUse())
	return nil
}

// EnableRouting enrolls a peer onto an endpoint and installs its rules. The
// returned id identifies the enrollment. A transient failure (tunnel timeout,
// install error) leaves the enrollment pending for the reconciler to retry
// and is still returned to the caller.
func (e *Engine) EnableRouting(ctx context.Context, peerAddr, endpointID string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.trackApply(peerAddr, cancel)
	defer e.untrackApply(peerAddr)

	e.mu.Lock()
	defer e.mu.Unlock()

	ep, ok, err := e.store.GetEndpoint(endpointID)
	if err != nil {
		return "", fmt.Errorf("endpoint lookup: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrEndpointUnavailable, endpointID)
	}

	if cur, ok, err := e.store.GetEnrollment(peerAddr); err != nil {
		return "", err
	} else if ok {
		if cur.State == model.StateApplied && cur.EndpointID == endpointID {
			return cur.ID, nil
		}
		// Re-enroll: converge the old enrollment away first.
		if err := e.removeLocked(cur, "replaced by new enrollment", false); err != nil {
			return "", fmt.Errorf("replace enrollment for %s: %w", peerAddr, err)
		}
	}

	tableID, err := e.pool.Allocate(peerAddr)
	if err != nil {
		return "", fmt.Errorf("peer %s endpoint %s: %w", peerAddr, endpointID, err)
	}

	enr := model.Enrollment{
		ID:         uuid.NewString(),
		PeerAddr:   peerAddr,
		EndpointID: endpointID,
		TableID:    tableID,
		State:      model.StatePending,
		Enabled:    true,
	}
	if err := e.store.SaveEnrollment(enr); err != nil {
		_ = e.pool.Release(tableID)
		return "", fmt.Errorf("persist enrollment: %w", err)
	}

	if err := e.applyLocked(ctx, &enr, ep); err != nil {
		enr.Attempts = 1
		enr.LastError = err.Error()
		enr.NextAttempt = time.Now().Add(e.retryBackoff(1))
		if serr := e.store.SaveEnrollment(enr); serr != nil {
			log.Printf("persist pending enrollment peer=%s: %v", peerAddr, serr)
		}
		e.event("apply_failed", peerAddr, endpointID, "error",
			fmt.Sprintf("apply failed, will retry: %v", err))
		return enr.ID, err
	}
	return enr.ID, nil
}

// applyLocked runs the tunnel-up -> compile -> install sequence and persists
// the applied state. Caller holds e.mu and has already allocated the table id.
func (e *Engine) applyLocked(ctx context.Context, enr *model.Enrollment, ep model.TunnelEndpoint) error {
	iface, err := e.tunnels.EnsureUp(ctx, ep)
	if err != nil {
		return fmt.Errorf("tunnel %s: %w", ep.ID, err)
	}
	ds := rules.Compile(rules.Binding{PeerAddr: enr.PeerAddr, Iface: iface, TableID: enr.TableID})
	if err := e.installer.Apply(ds); err != nil {
		if rerr := e.tunnels.Release(ep.ID); rerr != nil {
			log.Printf("release tunnel %s after failed apply: %v", ep.ID, rerr)
		}
		return err
	}

	enr.State = model.StateApplied
	enr.AppliedRevision++
	enr.LastError = ""
	enr.NextAttempt = time.Time{}
	if err := e.store.SaveEnrollment(*enr); err != nil {
		// Rules are in the kernel but the record did not stick. Undo so
		// durable state never lags kernel state.
		_ = e.installer.Teardown(rules.Uncompile(rules.Binding{PeerAddr: enr.PeerAddr, Iface: iface, TableID: enr.TableID}))
		_ = e.tunnels.Release(ep.ID)
		return fmt.Errorf("persist applied enrollment: %w", err)
	}

	log.Printf("routing applied peer=%s endpoint=%s table=%d iface=%s", enr.PeerAddr, ep.ID, enr.TableID, iface)
	e.event("applied", enr.PeerAddr, ep.ID, "info",
		fmt.Sprintf("peer %s routed via %s (table %d)", enr.PeerAddr, ep.ID, enr.TableID))
	e.notifyRemote(enr.PeerAddr)
	return nil
}

// notifyRemote asks the peer to select this host as its exit, asynchronously.
func (e *Engine) notifyRemote(peerAddr string) {
	if e.remote == nil || e.hostAddr == "" {
		return
	}
	host := e.hostAddr
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.remote.SelectExit(ctx, host, peerAddr); err != nil {
			log.Printf("remote exit-node config peer=%s: %v", peerAddr, err)
			e.event("remote_config_failed", peerAddr, "", "warn",
				fmt.Sprintf("peer %s could not be pointed at %s: %v", peerAddr, host, err))
			return
		}
		e.event("remote_config", peerAddr, "", "info",
			fmt.Sprintf("peer %s now uses %s as exit node", peerAddr, host))
	}()
}

// DisableRouting tears down a peer's routing and destroys the enrollment. An
// in-flight apply for the same peer is cancelled first so a stuck tunnel
// bring-up cannot block the disable.
func (e *Engine) DisableRouting(ctx context.Context, peerAddr string) error {
	e.cancelApply(peerAddr)

	e.mu.Lock()
	defer e.mu.Unlock()

	enr, ok, err := e.store.GetEnrollment(peerAddr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotEnrolled, peerAddr)
	}
	return e.removeLocked(enr, "disabled by user", false)
}

// removeLocked tears down an enrollment's kernel state and releases its
// resources. With keep=false the record is removed; with keep=true (failover)
// it stays visible in disabled state. Incomplete teardown leaves the record
// in failing state so the next reconcile cycle retries removal. Caller holds
// e.mu.
func (e *Engine) removeLocked(enr model.Enrollment, reason string, keep bool) error {
	iface, held := e.tunnels.Iface(enr.EndpointID)
	if !held {
		iface = tunnel.InterfaceName(enr.EndpointID)
	}
	ds := rules.Uncompile(rules.Binding{PeerAddr: enr.PeerAddr, Iface: iface, TableID: enr.TableID})
	terr := e.installer.Teardown(ds)

	if held {
		if err := e.tunnels.Release(enr.EndpointID); err != nil {
			log.Printf("release tunnel %s: %v", enr.EndpointID, err)
		}
	}
	if err := e.pool.Release(enr.TableID); err != nil && !errors.Is(err, alloc.ErrNotOwned) {
		log.Printf("release table %d: %v", enr.TableID, err)
	}

	if terr != nil {
		// Keep the record in failing state so next cycle retries removal.
		enr.State = model.StateFailing
		enr.Enabled = false
		enr.LastError = terr.Error()
		if serr := e.store.SaveEnrollment(enr); serr != nil {
			log.Printf("persist failing enrollment peer=%s: %v", enr.PeerAddr, serr)
		}
		e.event("teardown_warning", enr.PeerAddr, enr.EndpointID, "warn",
			fmt.Sprintf("teardown incomplete for %s: %v", enr.PeerAddr, terr))
		return terr
	}

	if keep {
		enr.State = model.StateDisabled
		enr.Enabled = false
		enr.LastError = reason
		if err := e.store.SaveEnrollment(enr); err != nil {
			return fmt.Errorf("persist disabled enrollment: %w", err)
		}
	} else if err := e.store.DeleteEnrollment(enr.PeerAddr); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	log.Printf("routing removed peer=%s endpoint=%s table=%d reason=%q", enr.PeerAddr, enr.EndpointID, enr.TableID, reason)
	e.event("disabled", enr.PeerAddr, enr.EndpointID, "info",
		fmt.Sprintf("peer %s no longer routed via %s: %s", enr.PeerAddr, enr.EndpointID, reason))
	return nil
}

// SetForwardingController wires the sysctl surface that turns system-wide IP
// forwarding on. Without forwarding the installed directives pass no traffic.
func (e *Engine) SetForwardingController(fc rules.ForwardingController) { e.forwarding = fc }

// EnsureForwarding turns IP forwarding on when it is found off. Returns true
// when it had to flip the sysctls.
func (e *Engine) EnsureForwarding() (bool, error) {
	if e.forwarding == nil {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	on, err := e.forwarding.ForwardingEnabled()
	if err != nil {
		return false, err
	}
	if on {
		return false, nil
	}
	if err := e.forwarding.EnableForwarding(); err != nil {
		e.event("forwarding_failed", "", "", "error",
			fmt.Sprintf("ip forwarding is off and could not be enabled: %v", err))
		return false, err
	}
	log.Printf("ip forwarding was off; enabled v4+v6 sysctls")
	e.event("forwarding_enabled", "", "", "warn",
		"system ip forwarding was off; enabled")
	return true, nil
}

// EnsureBypass converges the host bypass rule under the engine lock. A healed
// rule is reported loudly: while it was missing, host exit traffic could have
// been captured by a tunnel table.
func (e *Engine) EnsureBypass(advertise bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	healed, err := e.bypass.Ensure(advertise)
	if healed {
		e.event("bypass_healed", "", "", "error",
			"bypass rule was missing while host advertises exit; reinstalled")
	}
	return healed, err
}

// Failover tears down an unhealthy enrollment, keeping the record visible in
// disabled state with the failover reason.
func (e *Engine) Failover(enr model.Enrollment, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok, err := e.store.GetEnrollment(enr.PeerAddr)
	if err != nil || !ok || cur.State != model.StateApplied {
		return err
	}
	cur.State = model.StateFailing
	if err := e.store.SaveEnrollment(cur); err != nil {
		log.Printf("persist failing enrollment peer=%s: %v", cur.PeerAddr, err)
	}
	e.event("failover", cur.PeerAddr, cur.EndpointID, "error",
		fmt.Sprintf("endpoint %s down, removing routing for %s: %s", cur.EndpointID, cur.PeerAddr, reason))
	return e.removeLocked(cur, reason, true)
}

// Status reports every enrollment. This is the only sanctioned view of
// routing state; nothing outside the engine reads kernel rules directly.
func (e *Engine) Status() ([]StatusEntry, error) {
	enrs, err := e.store.ListEnrollments()
	if err != nil {
		return nil, err
	}
	out := make([]StatusEntry, 0, len(enrs))
	for _, enr := range enrs {
		out = append(out, StatusEntry{
			PeerAddress:     enr.PeerAddr,
			EndpointID:      enr.EndpointID,
			State:           enr.State,
			TableID:         enr.TableID,
			LastHealthCheck: enr.LastHealthCheck,
			LastError:       enr.LastError,
		})
	}
	return out, nil
}

func (e *Engine) retryBackoff(attempt int) time.Duration {
	st, err := e.store.GetSettings()
	if err != nil {
		st = model.DefaultSettings()
	}
	base := model.ParseDuration(st.Reconcile.RetryBackoff, 10*time.Second)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

func (e *Engine) event(typ, peerAddr, endpoint, severity, msg string) {
	ev := model.Event{
		Type:      typ,
		PeerAddr:  peerAddr,
		Endpoint:  endpoint,
		Severity:  severity,
		Message:   msg,
		Timestamp: time.Now(),
	}
	if err := e.store.AppendEvent(ev); err != nil {
		log.Printf("append event type=%s peer=%s: %v", typ, peerAddr, err)
	}
	if e.publish != nil {
		e.publish(ev)
	}
}

// SetEventPublisher wires a live event sink, e.g. the websocket hub.
func (e *Engine) SetEventPublisher(fn func(model.Event)) { e.publish = fn }

func (e *Engine) trackApply(peerAddr string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.inflight[peerAddr] = cancel
}

func (e *Engine) untrackApply(peerAddr string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	delete(e.inflight, peerAddr)
}

func (e *Engine) cancelApply(peerAddr string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if cancel, ok := e.inflight[peerAddr]; ok {
		cancel()
	}
}
