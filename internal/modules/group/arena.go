// README: In-memory arena of groups and bookings plus the per-route FORMING registry.
package group

import (
	"sort"
	"sync"
	"time"

	"rickqueue/internal/types"
)

// Arena owns every live Group and Booking, keyed by id. Back-references
// between the two are id lookups rather than mutual pointers. The arena's
// own lock guards only the maps and the single-active-booking claim table;
// group state is guarded by each group's lock. Code that holds a group lock
// may call into the arena, never the other way around.
type Arena struct {
	mu           sync.RWMutex
	groups       map[types.ID]*Group
	bookings     map[types.ID]*Booking
	activeByUser map[types.ID]types.ID
	forming      map[types.ID]map[types.ID]*Group
}

func NewArena() *Arena {
	return &Arena{
		groups:       make(map[types.ID]*Group),
		bookings:     make(map[types.ID]*Booking),
		activeByUser: make(map[types.ID]types.ID),
		forming:      make(map[types.ID]map[types.ID]*Group),
	}
}

func (a *Arena) Group(id types.ID) (*Group, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.groups[id]
	return g, ok
}

// Booking returns a copy of the booking record.
func (a *Arena) Booking(id types.ID) (Booking, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bookings[id]
	if !ok {
		return Booking{}, false
	}
	return *b, true
}

// ActiveBooking returns a copy of the user's ACTIVE booking, if any.
func (a *Arena) ActiveBooking(userID types.ID) (Booking, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.activeByUser[userID]
	if !ok {
		return Booking{}, false
	}
	b, ok := a.bookings[id]
	if !ok {
		return Booking{}, false
	}
	return *b, true
}

// ClaimUser atomically reserves the user's single active-booking slot.
// It returns false when the user already holds an ACTIVE booking.
func (a *Arena) ClaimUser(userID, bookingID types.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.activeByUser[userID]; ok {
		return false
	}
	a.activeByUser[userID] = bookingID
	return true
}

// ReleaseUser frees the user's active-booking slot (join rollback or leave).
func (a *Arena) ReleaseUser(userID types.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.activeByUser, userID)
}

func (a *Arena) AddBooking(b *Booking) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bookings[b.ID] = b
}

// MarkBookingLeft flips a booking to LEFT, stamps when, and releases the
// owner's claim.
func (a *Arena) MarkBookingLeft(bookingID types.ID, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bookings[bookingID]
	if !ok {
		return
	}
	b.Status = BookingLeft
	b.LeftAt = &now
	if a.activeByUser[b.UserID] == bookingID {
		delete(a.activeByUser, b.UserID)
	}
}

// ReleaseClaims drops the active-booking claims of the given bookings without
// marking them LEFT. Used when a group reaches DISPATCHED: riders keep their
// booking record but may queue again.
func (a *Arena) ReleaseClaims(bookingIDs []types.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range bookingIDs {
		b, ok := a.bookings[id]
		if !ok {
			continue
		}
		if a.activeByUser[b.UserID] == id {
			delete(a.activeByUser, b.UserID)
		}
	}
}

// AddGroup registers a new FORMING group and indexes it by route.
func (a *Arena) AddGroup(g *Group) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups[g.ID] = g
	set, ok := a.forming[g.RouteID]
	if !ok {
		set = make(map[types.ID]*Group)
		a.forming[g.RouteID] = set
	}
	set[g.ID] = g
}

// RemoveForming takes a group out of the route's FORMING set. Called when a
// group leaves FORMING (dispatch, cancel, or emptied by the last leave).
func (a *Arena) RemoveForming(routeID, groupID types.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.forming[routeID]; ok {
		delete(set, groupID)
		if len(set) == 0 {
			delete(a.forming, routeID)
		}
	}
}

// FormingByRoute returns the route's FORMING groups ordered by creation time.
// The lookup never blocks on individual group locks.
func (a *Arena) FormingByRoute(routeID types.ID) []*Group {
	a.mu.RLock()
	set := a.forming[routeID]
	out := make([]*Group, 0, len(set))
	for _, g := range set {
		out = append(out, g)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FormingGroupIDs lists every group currently in a FORMING set, across all
// routes. The scheduler uses it as its scan source; evaluators re-check
// status and size under the group lock.
func (a *Arena) FormingGroupIDs() []types.ID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var ids []types.ID
	for _, set := range a.forming {
		for id := range set {
			ids = append(ids, id)
		}
	}
	return ids
}
