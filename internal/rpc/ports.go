package rpc

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// BridgeID identifies the bridge a port is reserved for.
type BridgeID string

// NewBridgeID returns a fresh random BridgeID.
func NewBridgeID() BridgeID {
	return BridgeID(uuid.NewString())
}

// String returns the ID as a string.
func (id BridgeID) String() string {
	return string(id)
}

// MinPort and MaxPort bound the usable TCP port range.
const (
	MinPort = 1
	MaxPort = 65535
)

// ValidatePort returns ErrInvalidPort if port cannot be used for a listener.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidPort, port, MinPort, MaxPort)
	}
	return nil
}

// PortAllocator hands out listener ports to bridges.
type PortAllocator interface {
	// Reserve allocates a port for the given bridge ID.
	// A returned port of 0 means the OS picks an ephemeral port at bind time.
	// The release function must be called once the listener is closed.
	// The context can be used to cancel a pending reservation.
	Reserve(ctx context.Context, id BridgeID) (port int, release func(), err error)

	// ReleaseAll releases any port held by the given bridge ID.
	ReleaseAll(id BridgeID)
}

// NewAllocator returns an ephemeral allocator when start and end are both 0,
// and a pool allocator over [start, end] otherwise.
func NewAllocator(start, end int) (PortAllocator, error) {
	if start == 0 && end == 0 {
		return EphemeralAllocator{}, nil
	}
	if err := ValidatePort(start); err != nil {
		return nil, fmt.Errorf("port range start: %w", err)
	}
	if err := ValidatePort(end); err != nil {
		return nil, fmt.Errorf("port range end: %w", err)
	}
	if end < start {
		return nil, fmt.Errorf("%w: range end %d before start %d", ErrInvalidPort, end, start)
	}
	return NewPoolAllocator(&PoolConfig{StartPort: start, EndPort: end}), nil
}

// EphemeralAllocator lets the OS choose an unused port when the listener binds.
type EphemeralAllocator struct{}

// Reserve always returns port 0 and a no-op release.
func (EphemeralAllocator) Reserve(ctx context.Context, _ BridgeID) (int, func(), error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	return 0, func() {}, nil
}

// ReleaseAll is a no-op; the OS reclaims ephemeral ports.
func (EphemeralAllocator) ReleaseAll(BridgeID) {}

// PoolConfig configures the pool allocator.
type PoolConfig struct {
	// StartPort is the first port in the range (inclusive).
	StartPort int
	// EndPort is the last port in the range (inclusive).
	EndPort int
}

// PoolAllocator is a thread-safe in-memory allocator over a fixed port range.
// It tracks which ports are reserved by which bridges; it does not know about
// ports held by other processes, so a bind can still fail.
type PoolAllocator struct {
	mu sync.Mutex

	startPort int
	endPort   int

	// allocated maps bridge ID to its port
	allocated map[BridgeID]int
	// used maps port back to bridge ID
	used map[int]BridgeID
}

// NewPoolAllocator creates a PoolAllocator. The config must not be nil.
func NewPoolAllocator(config *PoolConfig) *PoolAllocator {
	return &PoolAllocator{
		startPort: config.StartPort,
		endPort:   config.EndPort,
		allocated: make(map[BridgeID]int),
		used:      make(map[int]BridgeID),
	}
}

// Reserve allocates the lowest free port in the range for the bridge.
// A bridge that already holds a port gets the same port and a no-op release.
func (p *PoolAllocator) Reserve(ctx context.Context, id BridgeID) (int, func(), error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.allocated[id]; ok {
		return port, func() {}, nil
	}

	for port := p.startPort; port <= p.endPort; port++ {
		if _, used := p.used[port]; used {
			continue
		}
		p.allocated[id] = port
		p.used[port] = id

		var once sync.Once
		release := func() {
			once.Do(func() { p.releasePort(id, port) })
		}
		return port, release, nil
	}

	return 0, nil, ErrNoPortsAvailable
}

func (p *PoolAllocator) releasePort(id BridgeID, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if allocatedPort, ok := p.allocated[id]; ok && allocatedPort == port {
		delete(p.allocated, id)
		delete(p.used, port)
	}
}

// IsPortAvailable returns true if the port is in range and not reserved.
func (p *PoolAllocator) IsPortAvailable(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.startPort || port > p.endPort {
		return false
	}
	_, used := p.used[port]
	return !used
}

// AllocatedPorts returns a copy of the bridge ID to port map.
func (p *PoolAllocator) AllocatedPorts() map[BridgeID]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make(map[BridgeID]int, len(p.allocated))
	maps.Copy(result, p.allocated)
	return result
}

// ReleaseAll releases the port held by the bridge, if any.
func (p *PoolAllocator) ReleaseAll(id BridgeID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.allocated[id]; ok {
		delete(p.allocated, id)
		delete(p.used, port)
	}
}
