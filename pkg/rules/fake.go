package rules

import "sync"

// FakeKernel is an in-memory KernelStateStore. It backs unit tests and the
// daemon's --dry-run mode, recording the exact order directives were applied.
type FakeKernel struct {
	mu         sync.Mutex
	present    map[string]Directive
	applied    []Directive // full apply history, in order
	removed    []Directive
	forwarding bool

	// FailOn, when set, makes Apply fail for directives it returns an error for.
	FailOn func(Directive) error
	// FailRemove does the same for Remove.
	FailRemove func(Directive) error
	// ForwardErr, when set, makes EnableForwarding fail.
	ForwardErr error
}

func NewFakeKernel() *FakeKernel {
	return &FakeKernel{present: make(map[string]Directive)}
}

func (f *FakeKernel) Apply(d Directive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOn != nil {
		if err := f.FailOn(d); err != nil {
			return err
		}
	}
	f.present[d.String()] = d
	f.applied = append(f.applied, d)
	return nil
}

func (f *FakeKernel) Remove(d Directive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRemove != nil {
		if err := f.FailRemove(d); err != nil {
			return err
		}
	}
	key := d.String()
	if _, ok := f.present[key]; !ok {
		return ErrAbsent
	}
	delete(f.present, key)
	f.removed = append(f.removed, d)
	return nil
}

func (f *FakeKernel) Present(d Directive) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.present[d.String()]
	return ok, nil
}

// Installed returns the directives currently present, unordered.
func (f *FakeKernel) Installed() []Directive {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Directive, 0, len(f.present))
	for _, d := range f.present {
		out = append(out, d)
	}
	return out
}

// ApplyHistory returns every successful Apply in order.
func (f *FakeKernel) ApplyHistory() []Directive {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Directive(nil), f.applied...)
}

// RemoveHistory returns every successful Remove in order.
func (f *FakeKernel) RemoveHistory() []Directive {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Directive(nil), f.removed...)
}

func (f *FakeKernel) EnableForwarding() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ForwardErr != nil {
		return f.ForwardErr
	}
	f.forwarding = true
	return nil
}

func (f *FakeKernel) ForwardingEnabled() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarding, nil
}

// SetForwarding seeds the forwarding sysctl state.
func (f *FakeKernel) SetForwarding(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarding = on
}

// Drop silently deletes a directive, simulating external interference
// (an operator flushing rules by hand).
func (f *FakeKernel) Drop(d Directive) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.present, d.String())
}
