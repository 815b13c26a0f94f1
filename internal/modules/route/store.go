// README: Route store backed by PostgreSQL.
package route

import (
	"context"
	"errors"

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

func (s *Store) Get(ctx context.Context, id types.ID) (Route, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, origin_name, destination_name,
		       origin_lat, origin_lng, destination_lat, destination_lng,
		       distance_km, is_active
		FROM routes
		WHERE id = $1`, string(id),
	)

	var r Route
	err := row.Scan(
		&r.ID, &r.OriginName, &r.DestinationName,
		&r.Origin.Lat, &r.Origin.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&r.DistanceKm, &r.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, err
	}
	return r, nil
}

func (s *Store) ListActive(ctx context.Context) ([]Route, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, origin_name, destination_name,
		       origin_lat, origin_lng, destination_lat, destination_lng,
		       distance_km, is_active
		FROM routes
		WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(
			&r.ID, &r.OriginName, &r.DestinationName,
			&r.Origin.Lat, &r.Origin.Lng, &r.Destination.Lat, &r.Destination.Lng,
			&r.DistanceKm, &r.Active,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
