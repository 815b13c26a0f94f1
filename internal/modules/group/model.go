// README: Group aggregate, booking records, and lifecycle definitions.
package group

import (
	"errors"
	"sync"
	"time"

	"rickqueue/internal/types"
)

type Status string

const (
	StatusForming    Status = "FORMING"
	StatusReady      Status = "READY"
	StatusDispatched Status = "DISPATCHED"
	StatusCancelled  Status = "CANCELLED"
)

// Policy is the admission rule for a group, decided once at creation.
type Policy string

const (
	PolicyOpen      Policy = "OPEN"
	PolicyWomenOnly Policy = "WOMEN_ONLY"
)

type BookingStatus string

const (
	BookingActive BookingStatus = "ACTIVE"
	BookingLeft   BookingStatus = "LEFT"
)

var (
	ErrNotFound          = errors.New("group not found")
	ErrGroupFull         = errors.New("group is full")
	ErrInvalidTransition = errors.New("invalid group state transition")
	ErrPolicyMismatch    = errors.New("passenger not admissible under group policy")
)

// Booking is one user's membership record within a group.
type Booking struct {
	ID       types.ID
	UserID   types.ID
	GroupID  types.ID
	Seat     int
	Gender   types.Gender
	Location types.Point
	JoinedAt time.Time
	Status   BookingStatus
	LeftAt   *time.Time
}

// Group is a forming shared-ride party for one route. All mutation must
// happen while holding the group's lock; the matcher and the dispatch
// scheduler serialize on it per group.
type Group struct {
	mu sync.Mutex

	ID        types.ID
	RouteID   types.ID
	Policy    Policy
	Status    Status
	MaxSize   int
	CreatedAt time.Time

	// seats maps seat number -> booking id for currently active seats.
	// assigned counts seat numbers ever handed out; seat numbers are
	// never reused within a group's lifetime, so freed seats stay vacant.
	seats    map[int]types.ID
	assigned int

	QRCode         string
	LastDecisionAt time.Time
	DispatchedAt   *time.Time
	CancelledAt    *time.Time
}

func New(id, routeID types.ID, policy Policy, maxSize int, now time.Time) *Group {
	return &Group{
		ID:        id,
		RouteID:   routeID,
		Policy:    policy,
		Status:    StatusForming,
		MaxSize:   maxSize,
		CreatedAt: now,
		seats:     make(map[int]types.ID, maxSize),
	}
}

// Lock acquires exclusive ownership of the group. Every compound
// read-modify-write (join, leave, scheduler decision) runs under it.
func (g *Group) Lock() { g.mu.Lock() }

func (g *Group) Unlock() { g.mu.Unlock() }

// AllowedTransitions represents the group lifecycle (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusForming: {StatusReady, StatusCancelled},
	StatusReady:   {StatusDispatched},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the group to a new status. Callers hold the lock.
// Attempts from a terminal state indicate a locking bug and are rejected.
func (g *Group) Transition(to Status, now time.Time) error {
	if !CanTransition(g.Status, to) {
		return ErrInvalidTransition
	}
	g.Status = to
	switch to {
	case StatusDispatched:
		t := now
		g.DispatchedAt = &t
	case StatusCancelled:
		t := now
		g.CancelledAt = &t
	}
	return nil
}

// Size is the number of currently active seats. Callers hold the lock.
func (g *Group) Size() int { return len(g.seats) }

func (g *Group) IsFull() bool { return len(g.seats) >= g.MaxSize }

// SeatsExhausted reports whether every seat number in [1, MaxSize] has been
// handed out at some point. Such a group can no longer admit anyone even if
// leaves dropped its active size, because seats are never renumbered.
func (g *Group) SeatsExhausted() bool { return g.assigned >= g.MaxSize }

// CanAccept reports whether a passenger with the given gender and preference
// is admissible right now. Callers hold the lock.
func (g *Group) CanAccept(gender types.Gender, womenOnlyPreference bool) bool {
	if g.Status != StatusForming || g.IsFull() || g.SeatsExhausted() {
		return false
	}
	if g.Policy == PolicyWomenOnly && gender != types.GenderFemale {
		return false
	}
	if womenOnlyPreference && g.Policy != PolicyWomenOnly {
		return false
	}
	return true
}

// Assign hands out the smallest seat number never used in this group and
// records the booking in the seat map. Callers hold the lock.
func (g *Group) Assign(bookingID types.ID) (int, error) {
	if g.Status != StatusForming {
		return 0, ErrInvalidTransition
	}
	if g.IsFull() || g.SeatsExhausted() {
		return 0, ErrGroupFull
	}
	g.assigned++
	seat := g.assigned
	g.seats[seat] = bookingID
	return seat, nil
}

// Free vacates a seat permanently. The seat number is not handed out again.
// Callers hold the lock.
func (g *Group) Free(seat int) {
	delete(g.seats, seat)
}

// SeatMap returns a copy of the active seat assignments. Callers hold the lock.
func (g *Group) SeatMap() map[int]types.ID {
	out := make(map[int]types.ID, len(g.seats))
	for seat, id := range g.seats {
		out[seat] = id
	}
	return out
}

// WaitSeconds is how long the group has existed. Groups are created on the
// first join, so creation time doubles as first-passenger wait start.
func (g *Group) WaitSeconds(now time.Time) int {
	return int(now.Sub(g.CreatedAt).Seconds())
}

// Snapshot is an immutable copy of the fields the scheduler and read paths
// need; taking one lets the estimator run outside the group lock.
type Snapshot struct {
	ID             types.ID
	RouteID        types.ID
	Policy         Policy
	Status         Status
	Size           int
	MaxSize        int
	CreatedAt      time.Time
	LastDecisionAt time.Time
	QRCode         string
	Seats          map[int]types.ID
	DispatchedAt   *time.Time
	CancelledAt    *time.Time
}

// Snap copies the group's observable state. Callers hold the lock.
func (g *Group) Snap() Snapshot {
	return Snapshot{
		ID:             g.ID,
		RouteID:        g.RouteID,
		Policy:         g.Policy,
		Status:         g.Status,
		Size:           len(g.seats),
		MaxSize:        g.MaxSize,
		CreatedAt:      g.CreatedAt,
		LastDecisionAt: g.LastDecisionAt,
		QRCode:         g.QRCode,
		Seats:          g.SeatMap(),
		DispatchedAt:   g.DispatchedAt,
		CancelledAt:    g.CancelledAt,
	}
}
