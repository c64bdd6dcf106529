package rules

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

// PartialApplyError reports a failed apply transaction. By the time the caller
// sees it, every directive applied before the failure has been rolled back.
type PartialApplyError struct {
	Failed  Directive
	Applied int // directives that were installed, then rolled back
	Cause   error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("apply failed at %q after %d directives (rolled back): %v", e.Failed, e.Applied, e.Cause)
}

func (e *PartialApplyError) Unwrap() error { return e.Cause }

// TeardownIncompleteError reports removals that failed for a reason other than
// the directive already being absent. Non-fatal: the reconciler retries
// teardown on its next cycle.
type TeardownIncompleteError struct {
	Failures []string
}

func (e *TeardownIncompleteError) Error() string {
	return "teardown incomplete: " + strings.Join(e.Failures, "; ")
}

// Installer applies directive sets to the kernel store. A single mutex
// serializes transactions: the kernel tables are global unversioned state, so
// two multi-step transactions must never interleave.
type Installer struct {
	mu     sync.Mutex
	kernel KernelStateStore
}

func NewInstaller(k KernelStateStore) *Installer {
	return &Installer{kernel: k}
}

// Apply installs directives strictly in order. On failure at directive k it
// synchronously removes directives k-1..0 before returning, so a failed
// transaction never leaves a partial rule set behind.
func (in *Installer) Apply(ds []Directive) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i, d := range ds {
		if err := in.kernel.Apply(d); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := in.kernel.Remove(ds[j]); rerr != nil && !errors.Is(rerr, ErrAbsent) {
					log.Printf("rollback of %q failed: %v", ds[j], rerr)
				}
			}
			return &PartialApplyError{Failed: d, Applied: i, Cause: err}
		}
	}
	return nil
}

// Teardown removes every directive, best effort. Already-absent directives
// count as success; any other failure is collected and returned so the caller
// can surface a degraded-health warning.
func (in *Installer) Teardown(ds []Directive) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	var failures []string
	for _, d := range ds {
		if err := in.kernel.Remove(d); err != nil && !errors.Is(err, ErrAbsent) {
			log.Printf("teardown of %q failed: %v", d, err)
			failures = append(failures, fmt.Sprintf("%s: %v", d, err))
		}
	}
	if len(failures) > 0 {
		return &TeardownIncompleteError{Failures: failures}
	}
	return nil
}

// Missing reports which of the given directives are no longer present in the
// kernel, used by the reconciler to detect external rule removal.
func (in *Installer) Missing(ds []Directive) ([]Directive, error) {
	var out []Directive
	for _, d := range ds {
		ok, err := in.kernel.Present(d)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", d, err)
		}
		if !ok {
			out = append(out, d)
		}
	}
	return out, nil
}
