// Package alloc hands out kernel routing table ids from a bounded pool,
// one per enrolled peer.
package alloc

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

var (
	ErrPoolExhausted = errors.New("routing table pool exhausted")
	ErrNotOwned      = errors.New("table id not currently assigned")
)

// Pool assigns routing table ids in [Lo, Hi]. Allocation is hash-preferred:
// the same peer address lands on the same id across restarts when the slot is
// free, which keeps kernel rule churn down after a daemon restart.
type Pool struct {
	mu    sync.Mutex
	lo    int
	hi    int
	owner map[int]string // table id -> peer address
	byPtr map[string]int // peer address -> table id
}

func NewPool(lo, hi int) (*Pool, error) {
	if lo <= 0 || hi < lo {
		return nil, fmt.Errorf("invalid pool bounds [%d, %d]", lo, hi)
	}
	return &Pool{
		lo:    lo,
		hi:    hi,
		owner: make(map[int]string),
		byPtr: make(map[string]int),
	}, nil
}

// Rehydrate seeds the pool from persisted enrollments at process start.
// Assignments outside the pool bounds are rejected.
func (p *Pool) Rehydrate(assignments map[string]int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, id := range assignments {
		if id < p.lo || id > p.hi {
			return fmt.Errorf("table id %d for %s outside pool [%d, %d]", id, peer, p.lo, p.hi)
		}
		if have, ok := p.owner[id]; ok && have != peer {
			return fmt.Errorf("table id %d claimed by both %s and %s", id, have, peer)
		}
		p.owner[id] = peer
		p.byPtr[peer] = id
	}
	return nil
}

// Allocate returns the table id for peerAddr, assigning one if needed.
func (p *Pool) Allocate(peerAddr string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byPtr[peerAddr]; ok {
		return id, nil
	}

	size := p.hi - p.lo + 1
	start := preferredSlot(peerAddr, size)
	for i := 0; i < size; i++ {
		id := p.lo + (start+i)%size
		if _, taken := p.owner[id]; !taken {
			p.owner[id] = peerAddr
			p.byPtr[peerAddr] = id
			return id, nil
		}
	}
	return 0, ErrPoolExhausted
}

// Release frees a table id. The id must be currently assigned.
func (p *Pool) Release(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.owner[id]
	if !ok {
		return ErrNotOwned
	}
	delete(p.owner, id)
	delete(p.byPtr, peer)
	return nil
}

// Owner reports the peer currently holding id, if any.
func (p *Pool) Owner(id int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.owner[id]
	return peer, ok
}

// InUse returns the number of assigned ids.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owner)
}

func preferredSlot(peerAddr string, size int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(peerAddr))
	return int(h.Sum32() % uint32(size))
}
