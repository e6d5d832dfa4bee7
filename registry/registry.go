// Package registry holds the authoritative set of approved display names and
// the live members they belong to. Every name claim, removal and roster
// snapshot goes through a single mutex; fan-out delivery happens outside it.
package registry

import (
	"sort"
	"sync"

	"github.com/cyberinferno/go-chatroom/protocol"
)

// DefaultCapacity is the number of named members a registry admits by default.
const DefaultCapacity = 10

// Member is a registered participant able to receive events.
type Member interface {
	// Deliver queues ev for the member without blocking.
	//
	// Parameters:
	//   - ev: The event to deliver
	//
	// Returns:
	//   - true if the event was queued, false if it was dropped (the member
	//     is closed or its queue is full)
	Deliver(ev protocol.Event) bool
}

// Registry maps approved names to members. names and members are kept in 1:1
// correspondence under mu. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	rosterMu sync.Mutex
	capacity int
	names    map[string]Member
	members  map[Member]string
}

// New creates an empty registry.
//
// Parameters:
//   - capacity: Maximum number of named members reported by AtCapacity;
//     values below 1 select DefaultCapacity
//
// Returns:
//   - A new *Registry
func New(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	return &Registry{
		capacity: capacity,
		names:    make(map[string]Member),
		members:  make(map[Member]string),
	}
}

// TryRegister claims name for m. The membership check and the insert happen
// in one critical section, so of any number of concurrent claims for the same
// name exactly one succeeds.
//
// Parameters:
//   - m: The member claiming the name
//   - name: The candidate display name
//
// Returns:
//   - true if the name was free and is now held by m; false if the name is
//     taken or m already holds a name, in which case nothing changes
func (r *Registry) TryRegister(m Member, name string) bool {
	if m == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.names[name]; taken {
		return false
	}

	if _, named := r.members[m]; named {
		return false
	}

	r.names[name] = m
	r.members[m] = name
	return true
}

// Unregister removes m and its name. Calling it for a member that is not
// registered is a no-op.
//
// Returns:
//   - The removed name and true, or "" and false if m was not registered
func (r *Registry) Unregister(m Member) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.members[m]
	if !ok {
		return "", false
	}

	delete(r.members, m)
	delete(r.names, name)
	return name, true
}

// Broadcast delivers ev to every registered member, the originator included.
//
// Returns:
//   - The number of members that accepted the event
func (r *Registry) Broadcast(ev protocol.Event) int {
	return deliver(r.recipients(nil), ev)
}

// BroadcastExcept delivers ev to every registered member except sender.
//
// Returns:
//   - The number of members that accepted the event
func (r *Registry) BroadcastExcept(ev protocol.Event, sender Member) int {
	return deliver(r.recipients(sender), ev)
}

// BroadcastRoster delivers a fresh roster snapshot to every member. Roster
// broadcasts are serialized and each one snapshots after acquiring its turn,
// so once membership stops changing the last roster every member receives
// matches the registry.
//
// Returns:
//   - The number of members that accepted the roster
func (r *Registry) BroadcastRoster() int {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	return r.Broadcast(protocol.Roster(r.Snapshot()))
}

// Snapshot returns the approved names in ascending order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Size returns the number of registered members.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Capacity returns the configured maximum number of named members.
func (r *Registry) Capacity() int {
	return r.capacity
}

// AtCapacity reports whether the registry holds Capacity members or more.
// Registration itself never consults it; the listener does, before a
// connection gets a session.
func (r *Registry) AtCapacity() bool {
	return r.Size() >= r.capacity
}

func (r *Registry) recipients(except Member) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Member, 0, len(r.members))
	for m := range r.members {
		if except != nil && m == except {
			continue
		}

		out = append(out, m)
	}

	return out
}

func deliver(recipients []Member, ev protocol.Event) int {
	delivered := 0
	for _, m := range recipients {
		if m.Deliver(ev) {
			delivered++
		}
	}

	return delivered
}
