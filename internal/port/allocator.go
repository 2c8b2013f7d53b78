package port

import (
	"fmt"

	"github.com/mmr-tortoise/gantry/internal/model"
)

const (
	// SlotCount is the number of host port bands available to
	// concurrently running job instances. Instance slots are assigned
	// modulo SlotCount, so at most 10 instances can hold distinct
	// bands at once; this is also why strategy.max-parallel is capped
	// at 10.
	SlotCount = 10

	// slotBandSize is the offset multiplied by the slot to compute the
	// banded host port. Each slot gets its own 10000-port band so two
	// instances publishing the same declared port never collide.
	//
	// Example: slot=1, declared=8080 → 8080 + (1*10000) = 18080
	slotBandSize = 10000

	// maxPort is the highest valid TCP/UDP port number (2^16 - 1).
	maxPort = 65535

	// dynamicRangeStart is the start of the IANA dynamic/private port
	// range. When a banded port overflows maxPort or its whole band is
	// occupied, allocation falls back to searching this range
	// (49152-65535).
	dynamicRangeStart = 49152

	// dynamicRangeEnd is the end of the dynamic port range.
	dynamicRangeEnd = 65535
)

// Allocator computes host port assignments for service containers using
// slot-banded port shifting.
//
// Each concurrently running job instance is assigned a slot (0-9), and
// a service port publishes at bandedPort = declaredPort + (slot * 10000).
// Slot 0 uses declared ports unchanged, so a single `gantry run` behaves
// exactly as the workflow file reads: a service declaring "8080:8080"
// really is on localhost:8080. The formula is deterministic, so users
// can predict where a matrix instance's services will listen.
//
// The Allocator probes actual availability through a Scanner at
// allocation time and tracks ports held by other live runs (gathered
// from container labels) to prevent cross-run conflicts.
type Allocator struct {
	// scanner probes the OS for actual port availability. Injected via
	// the constructor so tests can exercise allocation logic directly.
	scanner *Scanner

	// existingAllocations tracks host ports already published by other
	// runs' service containers. New allocations are checked against
	// this list in addition to the OS probe, because a stopped (but
	// not removed) container still owns its published port.
	existingAllocations []model.ServicePort
}

// NewAllocator creates a new Allocator with the given Scanner.
// The scanner must not be nil; it performs the availability probes.
func NewAllocator(scanner *Scanner) *Allocator {
	return &Allocator{
		scanner: scanner,
	}
}

// SetExistingAllocations registers host ports published by service
// containers from other runs. Call this before AllocatePorts with data
// gathered from the labels of managed containers.
func (a *Allocator) SetExistingAllocations(ports []model.ServicePort) {
	a.existingAllocations = ports
}

// AllocatePort computes the host port for a single declared service
// port at the given slot.
//
// Algorithm:
//  1. The base port is the declared host port, or the container port
//     when the declaration omits a host side ("8080" behaves like
//     "8080:8080").
//  2. If slot == 0, use the base port unchanged.
//  3. Otherwise compute bandedPort = base + (slot * 10000).
//  4. If bandedPort > 65535, skip to step 6 (overflow).
//  5. Verify bandedPort is available (free on the OS and absent from
//     existing allocations). If taken, search upward within one band's
//     width for the nearest free port.
//  6. Fall back: search the IANA dynamic range (49152-65535).
//
// Returns the resolved ServicePort or an error when no port could be
// assigned; callers surface that as ExitPortAllocationFailed.
func (a *Allocator) AllocatePort(containerPort, declaredHost, slot int, serviceName, protocol string) (*model.ServicePort, error) {
	if slot < 0 || slot >= SlotCount {
		return nil, fmt.Errorf("slot %d out of range (0-%d)", slot, SlotCount-1)
	}

	// Default protocol to TCP if unspecified, matching Docker's default.
	if protocol == "" {
		protocol = "tcp"
	}

	base := declaredHost
	if base == 0 {
		base = containerPort
	}

	hostPort := base
	if slot > 0 {
		hostPort = base + (slot * slotBandSize)
	}

	if hostPort > maxPort {
		// Overflow: the banded port does not fit in the 16-bit port
		// space. Fall back to dynamic discovery in the ephemeral range.
		fallbackPort, err := a.findAvailablePortExcludingExisting(dynamicRangeStart, dynamicRangeEnd, protocol)
		if err != nil {
			return nil, fmt.Errorf("port overflow: %d+(%d*%d)=%d exceeds %d, and fallback failed: %w",
				base, slot, slotBandSize, hostPort, maxPort, err)
		}
		hostPort = fallbackPort
	} else if !a.isPortAvailableForAllocation(hostPort, protocol) {
		// The banded port is within range but already in use. Search
		// upward for the nearest free port within one band's width.
		blockEnd := hostPort + slotBandSize - 1
		if blockEnd > maxPort {
			blockEnd = maxPort
		}

		found := false
		for candidate := hostPort + 1; candidate <= blockEnd; candidate++ {
			if a.isPortAvailableForAllocation(candidate, protocol) {
				hostPort = candidate
				found = true
				break
			}
		}

		if !found {
			fallbackPort, err := a.findAvailablePortExcludingExisting(dynamicRangeStart, dynamicRangeEnd, protocol)
			if err != nil {
				return nil, fmt.Errorf("port %d (banded from %d) is in use and no alternative found: %w",
					hostPort, base, err)
			}
			hostPort = fallbackPort
		}
	}

	return &model.ServicePort{
		ServiceName:   serviceName,
		ContainerPort: containerPort,
		HostPort:      hostPort,
		Protocol:      protocol,
	}, nil
}

// AllocatePorts resolves every declared port of a job instance's
// services at the given slot. Each request's HostPort field carries the
// declared host port, or zero when the workflow leaves it to the
// allocator; the returned ports carry the resolved host ports.
//
// Allocations made within the batch are registered immediately so two
// services declaring the same port cannot both claim it.
func (a *Allocator) AllocatePorts(requests []model.ServicePort, slot int) ([]model.ServicePort, error) {
	allocations := make([]model.ServicePort, 0, len(requests))

	for _, req := range requests {
		alloc, err := a.AllocatePort(req.ContainerPort, req.HostPort, slot, req.ServiceName, req.Protocol)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate port for %s:%d: %w", req.ServiceName, req.ContainerPort, err)
		}

		// Register this allocation so later ports in the same batch
		// see it as taken.
		a.existingAllocations = append(a.existingAllocations, *alloc)

		allocations = append(allocations, *alloc)
	}

	return allocations, nil
}

// isPortAvailableForAllocation checks OS-level availability via the
// Scanner and the absence of the port from existing allocations.
//
// Both layers are necessary: the Scanner catches ports bound by
// unrelated processes (a local MySQL, another dev server), while
// existingAllocations catches ports owned by stopped service
// containers the OS probe cannot see.
func (a *Allocator) isPortAvailableForAllocation(port int, protocol string) bool {
	for _, alloc := range a.existingAllocations {
		if alloc.HostPort == port && alloc.Protocol == protocol {
			return false
		}
	}

	return a.scanner.IsPortAvailable(port, protocol)
}

// findAvailablePortExcludingExisting searches a port range for the
// first port that is both OS-available and unclaimed by existing
// allocations. Used as the fallback when banding cannot place a port.
func (a *Allocator) findAvailablePortExcludingExisting(startPort, endPort int, protocol string) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if a.isPortAvailableForAllocation(port, protocol) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", protocol, startPort, endPort)
}
