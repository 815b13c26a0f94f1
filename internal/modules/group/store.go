// README: Group/booking persistence backed by PostgreSQL, plus the decision audit log.
package group

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rickqueue/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// SaveGroup upserts the group row. Seat assignments travel on bookings, so
// the group row carries only aggregate state.
func (s *Store) SaveGroup(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_groups (
			id, route_id, policy, status, max_size, current_size,
			qr_code, created_at, last_decision_at, dispatched_at, cancelled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_size = EXCLUDED.current_size,
			qr_code = EXCLUDED.qr_code,
			last_decision_at = EXCLUDED.last_decision_at,
			dispatched_at = COALESCE(EXCLUDED.dispatched_at, ride_groups.dispatched_at),
			cancelled_at = COALESCE(EXCLUDED.cancelled_at, ride_groups.cancelled_at)`,
		string(snap.ID),
		string(snap.RouteID),
		string(snap.Policy),
		string(snap.Status),
		snap.MaxSize,
		snap.Size,
		nullIfEmpty(snap.QRCode),
		snap.CreatedAt,
		nullIfZeroTime(snap.LastDecisionAt),
		snap.DispatchedAt,
		snap.CancelledAt,
	)
	return err
}

func (s *Store) SaveBooking(ctx context.Context, b Booking) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bookings (
			id, user_id, group_id, seat_number, gender,
			request_lat, request_lng, joined_at, status, left_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			left_at = COALESCE(EXCLUDED.left_at, bookings.left_at)`,
		string(b.ID),
		string(b.UserID),
		string(b.GroupID),
		b.Seat,
		string(b.Gender),
		b.Location.Lat,
		b.Location.Lng,
		b.JoinedAt,
		string(b.Status),
		b.LeftAt,
	)
	return err
}

// DecisionRecord is one scheduler outcome, kept for audit.
type DecisionRecord struct {
	GroupID     types.ID
	Outcome     string
	Reason      string
	Probability float64
	SizeAtTime  int
	WaitSeconds int
	DecidedAt   time.Time
}

func (s *Store) AppendDecision(ctx context.Context, d DecisionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dispatch_decisions (
			group_id, outcome, reason, probability, group_size, wait_seconds, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(d.GroupID),
		d.Outcome,
		d.Reason,
		d.Probability,
		d.SizeAtTime,
		d.WaitSeconds,
		d.DecidedAt,
	)
	return err
}

// RebuildDemandHistory recomputes the learned arrival probability per
// (route, weekday, hour) slot from past group outcomes: the share of groups
// created in that slot that went on to dispatch. Postgres DOW numbering
// matches time.Weekday (Sunday = 0), so the read side needs no translation.
func (s *Store) RebuildDemandHistory(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO route_demand_history (
			route_id, day_of_week, hour_of_day, arrival_probability, sample_size, updated_at
		)
		SELECT
			route_id,
			EXTRACT(DOW FROM created_at)::int AS day_of_week,
			EXTRACT(HOUR FROM created_at)::int AS hour_of_day,
			AVG(CASE WHEN status = 'DISPATCHED' THEN 1.0 ELSE 0.0 END),
			COUNT(*),
			now()
		FROM ride_groups
		WHERE status IN ('DISPATCHED', 'CANCELLED')
		  AND created_at > now() - interval '30 days'
		GROUP BY route_id, day_of_week, hour_of_day
		ON CONFLICT (route_id, day_of_week, hour_of_day) DO UPDATE SET
			arrival_probability = EXCLUDED.arrival_probability,
			sample_size = EXCLUDED.sample_size,
			updated_at = EXCLUDED.updated_at`)
	return err
}

// HistoricalProbability reads the learned arrival probability for a route at
// a given weekday/hour slot. Returns ok=false when no row exists.
func (s *Store) HistoricalProbability(ctx context.Context, routeID types.ID, weekday time.Weekday, hour int) (float64, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT arrival_probability
		FROM route_demand_history
		WHERE route_id = $1 AND day_of_week = $2 AND hour_of_day = $3`,
		string(routeID), int(weekday), hour,
	)
	var p float64
	if err := row.Scan(&p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return p, true, nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
