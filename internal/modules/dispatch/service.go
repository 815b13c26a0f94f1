// README: Periodic dispatch decision scheduler; issues WAIT/DISPATCH/CANCEL per group.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rickqueue/internal/ai"
	"rickqueue/internal/config"
	"rickqueue/internal/modules/group"
	"rickqueue/internal/notify"
	"rickqueue/internal/types"
)

const (
	OutcomeWait     = "WAIT"
	OutcomeDispatch = "DISPATCH"
	OutcomeCancel   = "CANCEL"
)

// DecisionStore persists scheduler outcomes and the group/booking rows
// they mutate, and rebuilds the learned demand table; production is
// *group.Store.
type DecisionStore interface {
	SaveGroup(ctx context.Context, snap group.Snapshot) error
	SaveBooking(ctx context.Context, b group.Booking) error
	AppendDecision(ctx context.Context, d group.DecisionRecord) error
	RebuildDemandHistory(ctx context.Context) error
}

type Service struct {
	arena     *group.Arena
	store     DecisionStore
	estimator ai.ArrivalEstimator
	pub       notify.Publisher
	cfg       config.DispatchConfig
	log       zerolog.Logger
}

func NewService(
	arena *group.Arena,
	store DecisionStore,
	estimator ai.ArrivalEstimator,
	pub notify.Publisher,
	cfg config.DispatchConfig,
	log zerolog.Logger,
) *Service {
	return &Service{
		arena:     arena,
		store:     store,
		estimator: estimator,
		pub:       pub,
		cfg:       cfg,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
}

// RunScheduler evaluates every forming group on a fixed cadence until the
// context is cancelled. Evaluations are fanned out to a worker pool so a
// slow estimator call for one group never delays the others.
func (s *Service) RunScheduler(ctx context.Context) {
	interval := time.Duration(s.cfg.TickSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tasks := make(chan types.ID, 256)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx, tasks)
	}

	s.log.Info().
		Int("tick_seconds", s.cfg.TickSeconds).
		Int("workers", s.cfg.Workers).
		Msg("dispatch scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("dispatch scheduler stopped")
			return
		case <-ticker.C:
			for _, id := range s.arena.FormingGroupIDs() {
				select {
				case tasks <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// RunHistoryRebuild keeps the route demand history current: one rebuild at
// startup so a fresh deployment learns from existing rows immediately, then
// one per interval. The estimator reads the table on its own cadence.
func (s *Service) RunHistoryRebuild(ctx context.Context) {
	if s.store == nil {
		return
	}
	interval := time.Duration(s.cfg.HistoryRebuildHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.rebuildHistory(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rebuildHistory(ctx)
		}
	}
}

func (s *Service) rebuildHistory(ctx context.Context) {
	if err := s.store.RebuildDemandHistory(ctx); err != nil {
		s.log.Error().Err(err).Msg("demand history rebuild failed")
		return
	}
	s.log.Info().Msg("demand history rebuilt")
}

func (s *Service) worker(ctx context.Context, tasks <-chan types.ID) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-tasks:
			if err := s.Evaluate(ctx, id); err != nil {
				s.log.Error().Err(err).Str("group_id", string(id)).Msg("group evaluation failed")
			}
		}
	}
}

type decision struct {
	outcome     string
	reason      string
	probability float64
}

// Evaluate runs one decision cycle for a single group. It is safe to call
// from the request path as well (a join that fills the group triggers an
// immediate dispatch without waiting for the next tick).
func (s *Service) Evaluate(ctx context.Context, groupID types.ID) error {
	g, ok := s.arena.Group(groupID)
	if !ok {
		return nil
	}

	now := time.Now()
	g.Lock()
	if g.Status != group.StatusForming || g.Size() == 0 {
		g.Unlock()
		return nil
	}
	if !g.IsFull() && g.WaitSeconds(now) < s.cfg.MinGroupAgeSeconds {
		g.Unlock()
		return nil
	}
	snap := g.Snap()
	anchor := s.anchor(snap)
	g.Unlock()

	d := s.decide(ctx, snap, anchor, now)

	g.Lock()
	// The group may have changed while the estimator ran.
	if g.Status != group.StatusForming || g.Size() == 0 {
		g.Unlock()
		return nil
	}
	if g.Size() != snap.Size {
		if g.IsFull() {
			d = decision{outcome: OutcomeDispatch, reason: "group reached capacity", probability: 1}
		} else {
			// Membership moved under us; let the next tick judge fresh state.
			g.Unlock()
			return nil
		}
	}

	switch d.outcome {
	case OutcomeDispatch:
		return s.applyDispatch(ctx, g, d, now)
	case OutcomeCancel:
		return s.applyCancel(ctx, g, d, now)
	default:
		return s.applyWait(ctx, g, d, now)
	}
}

// decide computes the outcome for a snapshot. Called without the group lock;
// the estimator may block up to its timeout.
func (s *Service) decide(ctx context.Context, snap group.Snapshot, anchor types.Point, now time.Time) decision {
	if snap.Size >= snap.MaxSize {
		return decision{outcome: OutcomeDispatch, reason: "group reached capacity", probability: 1}
	}

	waitSecs := int(now.Sub(snap.CreatedAt).Seconds())
	expired := waitSecs >= s.cfg.MaxWaitSeconds

	estCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.EstimatorTimeoutSeconds)*time.Second)
	defer cancel()
	est, err := s.estimator.EstimateArrival(estCtx, ai.GroupSnapshot{
		GroupID:     snap.ID,
		RouteID:     snap.RouteID,
		Size:        snap.Size,
		MaxSize:     snap.MaxSize,
		WaitSeconds: waitSecs,
		Anchor:      anchor,
		Now:         now,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("group_id", string(snap.ID)).Msg("estimator unavailable, holding group")
		if !expired {
			return decision{outcome: OutcomeWait, reason: "estimator unavailable, waiting conservatively"}
		}
		// Expiry still binds without an estimate.
		est.Probability = 0
	}

	if !expired && est.Probability >= s.cfg.ProbabilityThreshold {
		return decision{
			outcome:     OutcomeWait,
			reason:      fmt.Sprintf("high arrival probability (%.2f), more passengers expected", est.Probability),
			probability: est.Probability,
		}
	}

	if snap.Size >= s.cfg.MinViableSize {
		reason := fmt.Sprintf("low arrival probability (%.2f), dispatching partial group", est.Probability)
		if expired {
			reason = fmt.Sprintf("maximum wait of %ds reached, dispatching with %d passengers", s.cfg.MaxWaitSeconds, snap.Size)
		}
		return decision{outcome: OutcomeDispatch, reason: reason, probability: est.Probability}
	}

	if expired {
		return decision{
			outcome:     OutcomeCancel,
			reason:      fmt.Sprintf("maximum wait of %ds reached with only %d passenger(s)", s.cfg.MaxWaitSeconds, snap.Size),
			probability: est.Probability,
		}
	}
	return decision{
		outcome:     OutcomeCancel,
		reason:      fmt.Sprintf("low arrival probability (%.2f) and below viable size", est.Probability),
		probability: est.Probability,
	}
}

// applyDispatch performs FORMING→READY, hands the group off through the
// event boundary, then READY→DISPATCHED. Called with the group lock held;
// releases it before returning.
func (s *Service) applyDispatch(ctx context.Context, g *group.Group, d decision, now time.Time) error {
	if err := g.Transition(group.StatusReady, now); err != nil {
		g.Unlock()
		return fmt.Errorf("transition to READY: %w", err)
	}
	g.QRCode = fmt.Sprintf("RQ-%s-%d", g.ID, now.UnixMilli())
	g.LastDecisionAt = now
	s.arena.RemoveForming(g.RouteID, g.ID)
	snap := g.Snap()
	g.Unlock()

	s.persistOutcome(ctx, snap, d, now)

	if err := s.pub.PublishGroupReady(ctx, notify.NewGroupReady(snap.ID, snap.QRCode, snap.Size, now)); err != nil {
		// Hand-off not acknowledged; the group stays READY for retry.
		return fmt.Errorf("group_ready hand-off: %w", err)
	}

	g.Lock()
	if err := g.Transition(group.StatusDispatched, now); err != nil {
		g.Unlock()
		return fmt.Errorf("transition to DISPATCHED: %w", err)
	}
	members := bookingIDs(g.SeatMap())
	final := g.Snap()
	g.Unlock()

	// Dispatched riders may queue again immediately; their bookings stay
	// ACTIVE for the ride record.
	s.arena.ReleaseClaims(members)

	if s.store != nil {
		if err := s.store.SaveGroup(ctx, final); err != nil {
			s.log.Error().Err(err).Str("group_id", string(final.ID)).Msg("persist dispatched group")
		}
	}

	s.log.Info().
		Str("group_id", string(final.ID)).
		Int("passengers", final.Size).
		Str("qr_code", final.QRCode).
		Str("reason", d.reason).
		Msg("group dispatched")
	return nil
}

// applyCancel invalidates every active booking and retires the group.
// Called with the group lock held; releases it before returning.
func (s *Service) applyCancel(ctx context.Context, g *group.Group, d decision, now time.Time) error {
	if err := g.Transition(group.StatusCancelled, now); err != nil {
		g.Unlock()
		return fmt.Errorf("transition to CANCELLED: %w", err)
	}
	g.LastDecisionAt = now
	members := bookingIDs(g.SeatMap())
	s.arena.RemoveForming(g.RouteID, g.ID)
	snap := g.Snap()
	g.Unlock()

	for _, id := range members {
		s.arena.MarkBookingLeft(id, now)
		if s.store != nil {
			if b, ok := s.arena.Booking(id); ok {
				if err := s.store.SaveBooking(ctx, b); err != nil {
					s.log.Error().Err(err).Str("booking_id", string(id)).Msg("persist cancelled booking")
				}
			}
		}
	}

	s.persistOutcome(ctx, snap, d, now)

	if err := s.pub.PublishDecision(ctx, notify.NewDecision(snap.ID, OutcomeCancel, d.reason, now)); err != nil {
		s.log.Warn().Err(err).Str("group_id", string(snap.ID)).Msg("publish cancel decision failed")
	}

	s.log.Info().
		Str("group_id", string(snap.ID)).
		Str("reason", d.reason).
		Msg("group cancelled")
	return nil
}

// applyWait records the decision and leaves the group forming. Called with
// the group lock held; releases it before returning.
func (s *Service) applyWait(ctx context.Context, g *group.Group, d decision, now time.Time) error {
	g.LastDecisionAt = now
	snap := g.Snap()
	g.Unlock()

	s.persistOutcome(ctx, snap, d, now)

	if err := s.pub.PublishDecision(ctx, notify.NewDecision(snap.ID, OutcomeWait, d.reason, now)); err != nil {
		s.log.Warn().Err(err).Str("group_id", string(snap.ID)).Msg("publish wait decision failed")
	}

	s.log.Debug().
		Str("group_id", string(snap.ID)).
		Float64("probability", d.probability).
		Str("reason", d.reason).
		Msg("group waiting")
	return nil
}

func (s *Service) persistOutcome(ctx context.Context, snap group.Snapshot, d decision, now time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveGroup(ctx, snap); err != nil {
		s.log.Error().Err(err).Str("group_id", string(snap.ID)).Msg("persist group state")
	}
	rec := group.DecisionRecord{
		GroupID:     snap.ID,
		Outcome:     d.outcome,
		Reason:      d.reason,
		Probability: d.probability,
		SizeAtTime:  snap.Size,
		WaitSeconds: int(now.Sub(snap.CreatedAt).Seconds()),
		DecidedAt:   now,
	}
	if err := s.store.AppendDecision(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("group_id", string(snap.ID)).Msg("append decision record")
	}
}

// anchor returns the earliest-seated member's request location. Callers
// hold the group lock when taking the snapshot, not here.
func (s *Service) anchor(snap group.Snapshot) types.Point {
	minSeat := 0
	var anchor types.Point
	for seat, bookingID := range snap.Seats {
		if minSeat != 0 && seat >= minSeat {
			continue
		}
		if b, ok := s.arena.Booking(bookingID); ok {
			minSeat = seat
			anchor = b.Location
		}
	}
	return anchor
}

func bookingIDs(seats map[int]types.ID) []types.ID {
	ids := make([]types.ID, 0, len(seats))
	for _, id := range seats {
		ids = append(ids, id)
	}
	return ids
}
