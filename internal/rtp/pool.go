package rtp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExhausted is returned by Acquire when every port in the configured
// range is held by a live call.
var ErrExhausted = errors.New("rtp port pool exhausted")

// Pool hands out UDP ports for external-media receivers, one per active
// call. The range is [start, start+size) where size is the maximum number
// of concurrent calls. Ports are handed out lowest-free-first so that
// recently released ports stay hot.
//
// All methods are safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	start int
	size  int
	free  []int        // sorted ascending
	used  map[int]bool // port -> allocated
}

// NewPool creates a pool of size consecutive ports beginning at start.
func NewPool(start, size int) (*Pool, error) {
	if start < 1024 || start > 65535 {
		return nil, fmt.Errorf("rtp port start must be between 1024 and 65535, got %d", start)
	}
	if size < 1 || start+size-1 > 65535 {
		return nil, fmt.Errorf("invalid rtp port pool size %d for start %d", size, start)
	}

	free := make([]int, size)
	for i := range free {
		free[i] = start + i
	}
	return &Pool{
		start: start,
		size:  size,
		free:  free,
		used:  make(map[int]bool, size),
	}, nil
}

// Acquire returns the lowest free port, or ErrExhausted when the range is
// saturated.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, fmt.Errorf("%w (range %d-%d)", ErrExhausted, p.start, p.start+p.size-1)
	}
	port := p.free[0]
	p.free = p.free[1:]
	p.used[port] = true
	return port, nil
}

// Release returns a port to the free set. Releasing a port that is not
// currently allocated is a silent no-op; the redirect path and the
// trailing cleanup can both release the same port.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.used[port] {
		return
	}
	delete(p.used, port)

	i := sort.SearchInts(p.free, port)
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = port
}

// InUse returns the number of currently allocated ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// Size returns the total number of ports managed by the pool.
func (p *Pool) Size() int {
	return p.size
}
