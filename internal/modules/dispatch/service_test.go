package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rickqueue/internal/ai"
	"rickqueue/internal/config"
	"rickqueue/internal/modules/group"
	"rickqueue/internal/notify"
	"rickqueue/internal/types"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type estimateFn func(ctx context.Context, snap ai.GroupSnapshot) (ai.Estimate, error)

type mockEstimator struct {
	fn estimateFn
}

func (m *mockEstimator) EstimateArrival(ctx context.Context, snap ai.GroupSnapshot) (ai.Estimate, error) {
	return m.fn(ctx, snap)
}

func fixedEstimate(p float64) *mockEstimator {
	return &mockEstimator{fn: func(_ context.Context, _ ai.GroupSnapshot) (ai.Estimate, error) {
		return ai.Estimate{Probability: p, Basis: "fixed"}, nil
	}}
}

func failingEstimator(err error) *mockEstimator {
	return &mockEstimator{fn: func(_ context.Context, _ ai.GroupSnapshot) (ai.Estimate, error) {
		return ai.Estimate{}, err
	}}
}

type mockStore struct {
	mu        sync.Mutex
	groups    map[types.ID]group.Snapshot
	bookings  map[types.ID]group.Booking
	decisions []group.DecisionRecord
	rebuilds  chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		groups:   make(map[types.ID]group.Snapshot),
		bookings: make(map[types.ID]group.Booking),
		rebuilds: make(chan struct{}, 8),
	}
}

func (m *mockStore) SaveGroup(_ context.Context, snap group.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[snap.ID] = snap
	return nil
}

func (m *mockStore) SaveBooking(_ context.Context, b group.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
	return nil
}

func (m *mockStore) AppendDecision(_ context.Context, d group.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *mockStore) RebuildDemandHistory(_ context.Context) error {
	m.rebuilds <- struct{}{}
	return nil
}

func (m *mockStore) lastDecision() (group.DecisionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.decisions) == 0 {
		return group.DecisionRecord{}, false
	}
	return m.decisions[len(m.decisions)-1], true
}

type mockPublisher struct {
	mu        sync.Mutex
	ready     []notify.GroupReady
	decisions []notify.Decision
	failReady error
}

func (m *mockPublisher) PublishGroupUpdate(_ context.Context, _ notify.GroupUpdate) error { return nil }

func (m *mockPublisher) PublishGroupReady(_ context.Context, ev notify.GroupReady) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReady != nil {
		return m.failReady
	}
	m.ready = append(m.ready, ev)
	return nil
}

func (m *mockPublisher) PublishDecision(_ context.Context, ev notify.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, ev)
	return nil
}

func (m *mockPublisher) PublishUserLeft(_ context.Context, _ notify.UserLeft) error { return nil }

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		TickSeconds:             30,
		Workers:                 2,
		EstimatorTimeoutSeconds: 1,
		ProbabilityThreshold:    0.7,
		MaxWaitSeconds:          300,
		MinGroupAgeSeconds:      60,
		MinViableSize:           2,
		HistoryRebuildHours:     24,
	}
}

func newTestService(est ai.ArrivalEstimator) (*Service, *group.Arena, *mockStore, *mockPublisher) {
	arena := group.NewArena()
	store := newMockStore()
	pub := &mockPublisher{}
	svc := NewService(arena, store, est, pub, testConfig(), zerolog.Nop())
	return svc, arena, store, pub
}

// seedGroup builds a forming group with the given member count and age,
// with claimed bookings for each seat.
func seedGroup(t *testing.T, arena *group.Arena, id types.ID, members int, age time.Duration) *group.Group {
	t.Helper()
	g := group.New(id, "route-1", group.PolicyOpen, 4, time.Now().Add(-age))
	arena.AddGroup(g)
	for i := 0; i < members; i++ {
		bookingID := types.ID(fmt.Sprintf("%s-booking-%d", id, i+1))
		userID := types.ID(fmt.Sprintf("%s-user-%d", id, i+1))
		if !arena.ClaimUser(userID, bookingID) {
			t.Fatalf("claim for %s failed", userID)
		}
		g.Lock()
		seat, err := g.Assign(bookingID)
		g.Unlock()
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		arena.AddBooking(&group.Booking{
			ID:       bookingID,
			UserID:   userID,
			GroupID:  id,
			Seat:     seat,
			Gender:   types.GenderOther,
			JoinedAt: time.Now().Add(-age),
			Status:   group.BookingActive,
		})
	}
	return g
}

func groupStatus(g *group.Group) group.Status {
	g.Lock()
	defer g.Unlock()
	return g.Status
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFullGroupDispatchesImmediately(t *testing.T) {
	svc, arena, store, pub := newTestService(failingEstimator(errors.New("must not be called")))
	g := seedGroup(t, arena, "g1", 4, 5*time.Second)

	if err := svc.Evaluate(context.Background(), "g1"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if got := groupStatus(g); got != group.StatusDispatched {
		t.Fatalf("status = %s, want DISPATCHED", got)
	}
	g.Lock()
	qr := g.QRCode
	g.Unlock()
	if !strings.HasPrefix(qr, "RQ-g1-") {
		t.Fatalf("qr code = %q, want RQ-g1-<millis>", qr)
	}

	if len(pub.ready) != 1 {
		t.Fatalf("group_ready events = %d, want 1", len(pub.ready))
	}
	if pub.ready[0].PassengerCount != 4 || pub.ready[0].QRCode != qr {
		t.Fatalf("group_ready payload: %+v", pub.ready[0])
	}

	// Registry no longer offers the group.
	if ids := arena.FormingGroupIDs(); len(ids) != 0 {
		t.Fatalf("forming groups = %v, want none", ids)
	}

	// Riders can queue again right away.
	if _, ok := arena.ActiveBooking("g1-user-1"); ok {
		t.Fatal("claim still held after dispatch")
	}
	if !arena.ClaimUser("g1-user-1", "new-booking") {
		t.Fatal("dispatched rider cannot requeue")
	}

	if rec, ok := store.lastDecision(); !ok || rec.Outcome != OutcomeDispatch {
		t.Fatalf("decision record = %+v", rec)
	}
}

func TestExpiredSoloGroupCancels(t *testing.T) {
	svc, arena, store, _ := newTestService(fixedEstimate(0.2))
	g := seedGroup(t, arena, "g2", 1, 400*time.Second)

	if err := svc.Evaluate(context.Background(), "g2"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if got := groupStatus(g); got != group.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got)
	}
	b, ok := arena.Booking("g2-booking-1")
	if !ok || b.Status != group.BookingLeft {
		t.Fatalf("booking = %+v, want LEFT", b)
	}
	if _, ok := arena.ActiveBooking("g2-user-1"); ok {
		t.Fatal("claim still held after cancel")
	}
	if rec, ok := store.lastDecision(); !ok || rec.Outcome != OutcomeCancel {
		t.Fatalf("decision record = %+v", rec)
	}
}

func TestExpiryOverridesHighProbability(t *testing.T) {
	svc, arena, _, _ := newTestService(fixedEstimate(0.95))
	g := seedGroup(t, arena, "g3", 2, 400*time.Second)

	if err := svc.Evaluate(context.Background(), "g3"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := groupStatus(g); got != group.StatusDispatched {
		t.Fatalf("status = %s, want DISPATCHED (max wait binds)", got)
	}
}

func TestHighProbabilityWaits(t *testing.T) {
	svc, arena, store, pub := newTestService(fixedEstimate(0.85))
	g := seedGroup(t, arena, "g4", 2, 90*time.Second)

	if err := svc.Evaluate(context.Background(), "g4"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if got := groupStatus(g); got != group.StatusForming {
		t.Fatalf("status = %s, want FORMING", got)
	}
	g.Lock()
	decidedAt := g.LastDecisionAt
	g.Unlock()
	if decidedAt.IsZero() {
		t.Fatal("last_decision_at not updated")
	}
	if len(pub.decisions) != 1 || pub.decisions[0].Decision != OutcomeWait {
		t.Fatalf("decision events = %+v", pub.decisions)
	}
	if rec, ok := store.lastDecision(); !ok || rec.Outcome != OutcomeWait || rec.Probability != 0.85 {
		t.Fatalf("decision record = %+v", rec)
	}
}

func TestLowProbabilityViableGroupDispatches(t *testing.T) {
	svc, arena, _, pub := newTestService(fixedEstimate(0.3))
	g := seedGroup(t, arena, "g5", 3, 90*time.Second)

	if err := svc.Evaluate(context.Background(), "g5"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := groupStatus(g); got != group.StatusDispatched {
		t.Fatalf("status = %s, want DISPATCHED", got)
	}
	if len(pub.ready) != 1 {
		t.Fatalf("group_ready events = %d, want 1", len(pub.ready))
	}
}

func TestEstimatorFailureDefaultsToWait(t *testing.T) {
	svc, arena, _, pub := newTestService(failingEstimator(errors.New("model offline")))
	g := seedGroup(t, arena, "g6", 2, 90*time.Second)

	if err := svc.Evaluate(context.Background(), "g6"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := groupStatus(g); got != group.StatusForming {
		t.Fatalf("status = %s, want FORMING (conservative wait)", got)
	}
	if len(pub.decisions) != 1 || pub.decisions[0].Decision != OutcomeWait {
		t.Fatalf("decision events = %+v", pub.decisions)
	}
}

func TestEstimatorTimeoutDefaultsToWait(t *testing.T) {
	slow := &mockEstimator{fn: func(ctx context.Context, _ ai.GroupSnapshot) (ai.Estimate, error) {
		<-ctx.Done()
		return ai.Estimate{}, ctx.Err()
	}}
	svc, arena, _, _ := newTestService(slow)
	svc.cfg.EstimatorTimeoutSeconds = 0 // deadline already passed

	g := seedGroup(t, arena, "g7", 2, 90*time.Second)
	if err := svc.Evaluate(context.Background(), "g7"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := groupStatus(g); got != group.StatusForming {
		t.Fatalf("status = %s, want FORMING", got)
	}
}

func TestYoungGroupIsSkipped(t *testing.T) {
	svc, arena, store, _ := newTestService(fixedEstimate(0.1))
	g := seedGroup(t, arena, "g8", 2, 10*time.Second)

	if err := svc.Evaluate(context.Background(), "g8"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := groupStatus(g); got != group.StatusForming {
		t.Fatalf("status = %s, want FORMING (too young to judge)", got)
	}
	if _, ok := store.lastDecision(); ok {
		t.Fatal("decision recorded for a group below minimum age")
	}
}

func TestHandoffFailureLeavesGroupReady(t *testing.T) {
	svc, arena, _, pub := newTestService(fixedEstimate(0.1))
	pub.failReady = errors.New("transport down")
	g := seedGroup(t, arena, "g9", 4, 5*time.Second)

	if err := svc.Evaluate(context.Background(), "g9"); err == nil {
		t.Fatal("expected hand-off error")
	}
	if got := groupStatus(g); got != group.StatusReady {
		t.Fatalf("status = %s, want READY (await retry)", got)
	}
	if _, ok := arena.ActiveBooking("g9-user-1"); !ok {
		t.Fatal("claims must stay held until hand-off completes")
	}
}

func TestSlowGroupDoesNotBlockAnother(t *testing.T) {
	release := make(chan struct{})
	est := &mockEstimator{fn: func(ctx context.Context, snap ai.GroupSnapshot) (ai.Estimate, error) {
		if snap.GroupID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return ai.Estimate{}, ctx.Err()
			}
		}
		return ai.Estimate{Probability: 0.9, Basis: "fixed"}, nil
	}}
	svc, arena, _, _ := newTestService(est)
	seedGroup(t, arena, "slow", 2, 90*time.Second)
	fast := seedGroup(t, arena, "fast", 2, 90*time.Second)

	done := make(chan struct{})
	go func() {
		svc.Evaluate(context.Background(), "slow")
		close(done)
	}()

	// The fast group's evaluation completes while the slow one is stalled.
	if err := svc.Evaluate(context.Background(), "fast"); err != nil {
		t.Fatalf("evaluate fast: %v", err)
	}
	fast.Lock()
	decided := !fast.LastDecisionAt.IsZero()
	fast.Unlock()
	if !decided {
		t.Fatal("fast group not evaluated while slow group stalled")
	}

	close(release)
	<-done
}

func TestLeaveDuringEvaluationDefersDecision(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	est := &mockEstimator{fn: func(ctx context.Context, _ ai.GroupSnapshot) (ai.Estimate, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ai.Estimate{Probability: 0.1, Basis: "fixed"}, nil
	}}
	svc, arena, _, _ := newTestService(est)
	svc.cfg.EstimatorTimeoutSeconds = 5
	g := seedGroup(t, arena, "g10", 2, 90*time.Second)

	done := make(chan error, 1)
	go func() { done <- svc.Evaluate(context.Background(), "g10") }()

	<-entered
	// A member leaves while the estimator is in flight.
	g.Lock()
	b, _ := arena.Booking("g10-booking-2")
	g.Free(b.Seat)
	arena.MarkBookingLeft(b.ID, time.Now())
	g.Unlock()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// Size 2 would have dispatched; the stale decision must not apply to
	// the shrunken group.
	if got := groupStatus(g); got != group.StatusForming {
		t.Fatalf("status = %s, want FORMING (stale decision deferred)", got)
	}
	g.Lock()
	size := g.Size()
	g.Unlock()
	if size != 1 {
		t.Fatalf("size = %d, want 1", size)
	}
}

func TestEvaluateUnknownGroupIsNoop(t *testing.T) {
	svc, _, _, _ := newTestService(fixedEstimate(0.5))
	if err := svc.Evaluate(context.Background(), "missing"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
}

func TestHistoryRebuildRunsAtStartup(t *testing.T) {
	svc, _, store, _ := newTestService(fixedEstimate(0.5))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunHistoryRebuild(ctx)
		close(done)
	}()

	select {
	case <-store.rebuilds:
	case <-time.After(2 * time.Second):
		t.Fatal("no demand history rebuild at startup")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rebuild loop did not stop on cancel")
	}
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	svc, _, _, _ := newTestService(fixedEstimate(0.5))
	svc.cfg.TickSeconds = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunScheduler(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
