package provisioning

import (
	"sync"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// AddressAllocator hands out monotonically increasing unicast addresses for
// newly provisioned devices. Addresses are never reused within the
// allocator's lifetime; the cursor can be overridden to resume a network
// restored from persisted state.
type AddressAllocator struct {
	mu   sync.Mutex
	next uint32 // uint32 so exhaustion is detectable without wrapping
}

// NewAddressAllocator starts the cursor at start, or at the first unicast
// address when start is 0.
func NewAddressAllocator(start uint16) *AddressAllocator {
	if start == 0 {
		start = domain.UnicastMin
	}
	return &AddressAllocator{next: uint32(start)}
}

// Next returns the address the next provision will use, without claiming it.
func (a *AddressAllocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint16(a.next)
}

// SetNext overrides the cursor, e.g. when resuming after a reload.
func (a *AddressAllocator) SetNext(addr uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = uint32(addr)
}

// Claim returns the current cursor and advances it by one. It fails without
// advancing when the unicast space is exhausted.
func (a *AddressAllocator) Claim() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next > uint32(domain.UnicastMax) {
		return 0, &domain.InvalidAddressError{Address: a.next}
	}
	addr := uint16(a.next)
	a.next++
	return addr, nil
}

// ReserveBatch returns the current cursor and advances it by n,
// unconditionally. Retrying a failed batch item with a fresh address is
// simpler and safer than reuse bookkeeping; the gaps left by partial
// failures are accepted. Fails without advancing when the reservation would
// run past the unicast range.
func (a *AddressAllocator) ReserveBatch(n int) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := a.next + uint32(n) - 1
	if a.next > uint32(domain.UnicastMax) || end > uint32(domain.UnicastMax) {
		return 0, &domain.InvalidAddressError{Address: end}
	}
	start := uint16(a.next)
	a.next += uint32(n)
	return start, nil
}
