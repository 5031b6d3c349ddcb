package rtp

import (
	"errors"
	"sort"
	"sync"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
)

// ErrPoolExhausted is returned by Acquire when every port is held and forced
// reuse is disabled.
var ErrPoolExhausted = errors.New("rtp port pool exhausted")

// PortAllocatorConfig holds configuration for the port allocator
type PortAllocatorConfig struct {
	Start         int  // First port handed out; ports advance in steps of 2
	MaxConcurrent int  // Maximum ports held at once
	ForceReuse    bool // Reclaim the smallest held port instead of failing when full
}

// PortAllocator hands out even UDP ports for inbound RTP.
// The odd successor of every port is left for RTCP and never allocated.
type PortAllocator struct {
	config PortAllocatorConfig
	held   map[int]struct{}
	mu     sync.Mutex
	log    *logger.Logger
}

// NewPortAllocator creates a port allocator
func NewPortAllocator(config PortAllocatorConfig) *PortAllocator {
	if config.Start <= 0 {
		config.Start = 10000
	}
	if config.Start%2 != 0 {
		config.Start++
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 50
	}
	return &PortAllocator{
		config: config,
		held:   make(map[int]struct{}),
		log:    logger.WithPrefix("PortAllocator"),
	}
}

// Acquire returns the first free port scanning upward from the start port.
//
// When MaxConcurrent ports are already held and ForceReuse is set, the
// numerically smallest held port is taken away from its current owner and
// returned. That owner may then see misrouted audio until it is torn down.
func (a *PortAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.held) >= a.config.MaxConcurrent {
		if !a.config.ForceReuse {
			return 0, ErrPoolExhausted
		}
		port := a.smallestLocked()
		delete(a.held, port)
		a.log.Warn("⚠️  Pool full (%d held), reusing port %d", a.config.MaxConcurrent, port)
		a.held[port] = struct{}{}
		return port, nil
	}

	for port := a.config.Start; ; port += 2 {
		if _, taken := a.held[port]; !taken {
			a.held[port] = struct{}{}
			a.log.Debug("Acquired port %d (%d in use)", port, len(a.held))
			return port, nil
		}
	}
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.held[port]; !ok {
		return
	}
	delete(a.held, port)
	a.log.Debug("Released port %d (%d in use)", port, len(a.held))
}

// Held returns the held ports in ascending order
func (a *PortAllocator) Held() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]int, 0, len(a.held))
	for port := range a.held {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// InUse returns the number of held ports
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *PortAllocator) smallestLocked() int {
	smallest := -1
	for port := range a.held {
		if smallest == -1 || port < smallest {
			smallest = port
		}
	}
	return smallest
}
