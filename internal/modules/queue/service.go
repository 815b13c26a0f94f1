// README: Queue intake and matcher; resolves join requests to compatible groups.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"rickqueue/internal/ai"
	"rickqueue/internal/config"
	"rickqueue/internal/modules/group"
	"rickqueue/internal/modules/route"
	"rickqueue/internal/notify"
	"rickqueue/internal/types"
)

var (
	ErrAlreadyInQueue = errors.New("user already holds an active booking")
	ErrRouteNotFound  = errors.New("route not found")
	ErrGroupFull      = group.ErrGroupFull
	ErrPersistence    = errors.New("persistence failure")
)

// RouteResolver resolves route ids; production is *route.Service.
type RouteResolver interface {
	Get(ctx context.Context, id types.ID) (route.Route, error)
}

// Persistence is the write-through durable store for groups and bookings.
type Persistence interface {
	SaveGroup(ctx context.Context, snap group.Snapshot) error
	SaveBooking(ctx context.Context, b group.Booking) error
}

// RecentTracker records join requests for the estimator's demand signal.
type RecentTracker interface {
	RecordRequest(ctx context.Context, routeID, bookingID types.ID, loc types.Point, at time.Time) error
}

// Dispatcher evaluates a single group immediately, outside the scheduler's
// regular cadence. A join that fills a group triggers it.
type Dispatcher interface {
	Evaluate(ctx context.Context, groupID types.ID) error
}

type Service struct {
	arena      *group.Arena
	store      Persistence
	routes     RouteResolver
	recent     RecentTracker
	pub        notify.Publisher
	historical ai.HistoricalSource
	dispatcher Dispatcher
	cfg        config.QueueConfig
	log        zerolog.Logger
}

func NewService(
	arena *group.Arena,
	store Persistence,
	routes RouteResolver,
	recent RecentTracker,
	pub notify.Publisher,
	historical ai.HistoricalSource,
	cfg config.QueueConfig,
	log zerolog.Logger,
) *Service {
	return &Service{
		arena:      arena,
		store:      store,
		routes:     routes,
		recent:     recent,
		pub:        pub,
		historical: historical,
		cfg:        cfg,
		log:        log.With().Str("component", "queue").Logger(),
	}
}

// BindDispatcher hooks the dispatch engine in after both services exist.
func (s *Service) BindDispatcher(d Dispatcher) { s.dispatcher = d }

type JoinCommand struct {
	UserID    types.ID
	Gender    types.Gender
	RouteID   types.ID
	Location  types.Point
	WomenOnly bool
}

type JoinResult struct {
	BookingID         types.ID
	GroupID           types.ID
	GroupStatus       group.Status
	Policy            group.Policy
	CurrentSize       int
	MaxSize           int
	SeatNumber        int
	EstimatedWaitMins int
	Route             route.Route
}

// Join places the user into a compatible FORMING group for the route,
// creating one when none can accept them.
func (s *Service) Join(ctx context.Context, cmd JoinCommand) (JoinResult, error) {
	if cmd.WomenOnly && cmd.Gender != types.GenderFemale {
		return JoinResult{}, group.ErrPolicyMismatch
	}

	r, err := s.routes.Get(ctx, cmd.RouteID)
	if errors.Is(err, route.ErrNotFound) {
		return JoinResult{}, ErrRouteNotFound
	}
	if err != nil {
		return JoinResult{}, fmt.Errorf("resolve route: %w", err)
	}

	bookingID := newID()
	if !s.arena.ClaimUser(cmd.UserID, bookingID) {
		return JoinResult{}, ErrAlreadyInQueue
	}

	res, err := s.place(ctx, cmd, bookingID, r)
	if err != nil {
		s.arena.ReleaseUser(cmd.UserID)
		return JoinResult{}, err
	}

	if s.recent != nil {
		if err := s.recent.RecordRequest(ctx, cmd.RouteID, bookingID, cmd.Location, time.Now()); err != nil {
			s.log.Warn().Err(err).Str("route_id", string(cmd.RouteID)).Msg("record recent request failed")
		}
	}

	s.log.Info().
		Str("user_id", string(cmd.UserID)).
		Str("group_id", string(res.GroupID)).
		Int("seat", res.SeatNumber).
		Int("size", res.CurrentSize).
		Msg("user joined queue")

	// A full group dispatches right away rather than waiting out the tick.
	if res.CurrentSize >= res.MaxSize && s.dispatcher != nil {
		if err := s.dispatcher.Evaluate(ctx, res.GroupID); err != nil {
			s.log.Error().Err(err).Str("group_id", string(res.GroupID)).Msg("immediate dispatch failed")
		}
	}

	return res, nil
}

// place runs the selection policy and seat assignment, retrying internally
// when a race loses a candidate group to a concurrent join or dispatch.
func (s *Service) place(ctx context.Context, cmd JoinCommand, bookingID types.ID, r route.Route) (JoinResult, error) {
	for attempt := 0; attempt <= s.cfg.JoinRetries; attempt++ {
		g := s.selectGroup(cmd)
		if g == nil {
			g = s.createGroup(cmd)
		}

		g.Lock()
		if !g.CanAccept(cmd.Gender, cmd.WomenOnly) {
			g.Unlock()
			continue
		}
		seat, err := g.Assign(bookingID)
		if err != nil {
			g.Unlock()
			continue
		}

		now := time.Now()
		b := &group.Booking{
			ID:       bookingID,
			UserID:   cmd.UserID,
			GroupID:  g.ID,
			Seat:     seat,
			Gender:   cmd.Gender,
			Location: cmd.Location,
			JoinedAt: now,
			Status:   group.BookingActive,
		}
		s.arena.AddBooking(b)

		snap := g.Snap()
		if err := s.persistJoin(ctx, snap, *b); err != nil {
			g.Free(seat)
			s.arena.MarkBookingLeft(bookingID, now)
			g.Unlock()
			return JoinResult{}, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		// Published under the group lock so the per-group event stream
		// carries sizes in the order mutations were serialized.
		if err := s.pub.PublishGroupUpdate(ctx, notify.NewGroupUpdate(snap.ID, snap.Size, snap.MaxSize, now)); err != nil {
			s.log.Warn().Err(err).Str("group_id", string(snap.ID)).Msg("publish group_update failed")
		}
		g.Unlock()

		return JoinResult{
			BookingID:         bookingID,
			GroupID:           snap.ID,
			GroupStatus:       snap.Status,
			Policy:            snap.Policy,
			CurrentSize:       snap.Size,
			MaxSize:           snap.MaxSize,
			SeatNumber:        seat,
			EstimatedWaitMins: s.estimateWaitMins(ctx, snap),
			Route:             r,
		}, nil
	}
	return JoinResult{}, ErrGroupFull
}

// selectGroup picks the fullest compatible FORMING group, ties broken by
// earliest creation. Returns nil when no candidate can accept the user.
func (s *Service) selectGroup(cmd JoinCommand) *group.Group {
	var best *group.Group
	bestSize := -1

	// FormingByRoute is ordered by creation time; strict > keeps the
	// earliest-created group on size ties.
	for _, g := range s.arena.FormingByRoute(cmd.RouteID) {
		g.Lock()
		ok := g.CanAccept(cmd.Gender, cmd.WomenOnly)
		size := g.Size()
		g.Unlock()
		if ok && size > bestSize {
			best = g
			bestSize = size
		}
	}
	return best
}

func (s *Service) createGroup(cmd JoinCommand) *group.Group {
	policy := group.PolicyOpen
	if cmd.WomenOnly {
		policy = group.PolicyWomenOnly
	}
	g := group.New(newID(), cmd.RouteID, policy, s.cfg.DefaultMaxSize, time.Now())
	s.arena.AddGroup(g)
	s.log.Info().
		Str("group_id", string(g.ID)).
		Str("route_id", string(cmd.RouteID)).
		Str("policy", string(policy)).
		Msg("created group")
	return g
}

func (s *Service) persistJoin(ctx context.Context, snap group.Snapshot, b group.Booking) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveGroup(ctx, snap); err != nil {
		return err
	}
	return s.store.SaveBooking(ctx, b)
}

// Leave removes the user's active booking. Idempotent: a user with no
// active booking gets success without mutation.
func (s *Service) Leave(ctx context.Context, userID types.ID) error {
	b, ok := s.arena.ActiveBooking(userID)
	if !ok {
		return nil
	}
	g, ok := s.arena.Group(b.GroupID)
	if !ok {
		s.arena.ReleaseUser(userID)
		return nil
	}

	g.Lock()
	// Re-read under the group lock: a scheduler cancel may have raced us.
	fresh, ok := s.arena.Booking(b.ID)
	if !ok || fresh.Status != group.BookingActive {
		g.Unlock()
		return nil
	}
	if g.Status != group.StatusForming {
		// The ride is already being handed off; nothing to undo here.
		g.Unlock()
		return nil
	}

	now := time.Now()
	g.Free(fresh.Seat)
	s.arena.MarkBookingLeft(fresh.ID, now)

	emptied := g.Size() == 0
	if emptied {
		if err := g.Transition(group.StatusCancelled, now); err != nil {
			s.log.Error().Err(err).Str("group_id", string(g.ID)).Msg("cancel emptied group")
		}
		s.arena.RemoveForming(g.RouteID, g.ID)
	}
	snap := g.Snap()
	// Published under the group lock, same ordering discipline as joins.
	if !emptied {
		if err := s.pub.PublishUserLeft(ctx, notify.NewUserLeft(snap.ID, snap.Size, snap.MaxSize, now)); err != nil {
			s.log.Warn().Err(err).Str("group_id", string(snap.ID)).Msg("publish user_left failed")
		}
	}
	g.Unlock()

	if s.store != nil {
		// Re-read to pick up the LEFT status and left-at stamp.
		if left, ok := s.arena.Booking(fresh.ID); ok {
			fresh = left
		} else {
			fresh.Status = group.BookingLeft
		}
		if err := s.store.SaveBooking(ctx, fresh); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := s.store.SaveGroup(ctx, snap); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	s.log.Info().
		Str("user_id", string(userID)).
		Str("group_id", string(snap.ID)).
		Bool("group_cancelled", emptied).
		Msg("user left queue")
	return nil
}

type StatusResult struct {
	InQueue           bool
	BookingID         types.ID
	GroupID           types.ID
	GroupStatus       group.Status
	Policy            group.Policy
	CurrentSize       int
	MaxSize           int
	SeatNumber        int
	WaitSeconds       int
	EstimatedWaitMins int
	QRCode            string
}

// Status reports the user's current queue position. Read-only.
func (s *Service) Status(ctx context.Context, userID types.ID) (StatusResult, error) {
	b, ok := s.arena.ActiveBooking(userID)
	if !ok {
		return StatusResult{InQueue: false}, nil
	}
	g, ok := s.arena.Group(b.GroupID)
	if !ok {
		return StatusResult{InQueue: false}, nil
	}

	g.Lock()
	snap := g.Snap()
	g.Unlock()

	res := StatusResult{
		InQueue:           true,
		BookingID:         b.ID,
		GroupID:           snap.ID,
		GroupStatus:       snap.Status,
		Policy:            snap.Policy,
		CurrentSize:       snap.Size,
		MaxSize:           snap.MaxSize,
		SeatNumber:        b.Seat,
		WaitSeconds:       int(time.Since(snap.CreatedAt).Seconds()),
		EstimatedWaitMins: s.estimateWaitMins(ctx, snap),
	}
	if snap.Status == group.StatusReady {
		res.QRCode = snap.QRCode
	}
	return res, nil
}

type FormingGroup struct {
	GroupID     types.ID
	Policy      group.Policy
	CurrentSize int
	MaxSize     int
	WaitSeconds int
}

type NearbyResult struct {
	Groups         []FormingGroup
	Recommendation string
}

// NearbyGroups lists the route's FORMING groups. The recommendation flag is
// an independent read-only heuristic: it fires when some group is one seat
// short of full.
func (s *Service) NearbyGroups(ctx context.Context, routeID types.ID) (NearbyResult, error) {
	if _, err := s.routes.Get(ctx, routeID); err != nil {
		if errors.Is(err, route.ErrNotFound) {
			return NearbyResult{}, ErrRouteNotFound
		}
		return NearbyResult{}, fmt.Errorf("resolve route: %w", err)
	}

	now := time.Now()
	var res NearbyResult
	for _, g := range s.arena.FormingByRoute(routeID) {
		g.Lock()
		snap := g.Snap()
		g.Unlock()
		if snap.Status != group.StatusForming || snap.Size == 0 {
			continue
		}
		res.Groups = append(res.Groups, FormingGroup{
			GroupID:     snap.ID,
			Policy:      snap.Policy,
			CurrentSize: snap.Size,
			MaxSize:     snap.MaxSize,
			WaitSeconds: int(now.Sub(snap.CreatedAt).Seconds()),
		})
		if snap.Size == snap.MaxSize-1 {
			res.Recommendation = fmt.Sprintf("Group %s needs just one more passenger. Join now for the fastest dispatch!", snap.ID)
		}
	}
	return res, nil
}

// estimateWaitMins predicts wait from learned demand when available and
// falls back to a size-based guess.
func (s *Service) estimateWaitMins(ctx context.Context, snap group.Snapshot) int {
	if snap.Size >= snap.MaxSize {
		return 1
	}
	if s.historical != nil {
		now := time.Now()
		p, ok, err := s.historical.HistoricalProbability(ctx, snap.RouteID, now.Weekday(), now.Hour())
		if err == nil && ok {
			return int(math.Max(1, math.Round((1-p)*5)))
		}
	}
	switch snap.Size {
	case 3:
		return 2
	case 2:
		return 3
	default:
		return 5
	}
}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}
