// README: Recent-request tracker backed by Redis sorted sets.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rickqueue/internal/ai"
	"rickqueue/internal/types"
)

const recentKeyPrefix = "queue:route:%s:recent"

// RecentStore records every join request per route with its location and
// time. The dispatch estimator reads it back as the live-demand signal:
// how many riders asked for this route in the last window, and how close
// the nearest one is.
type RecentStore struct {
	redis  *redis.Client
	window time.Duration
}

func NewRecentStore(redis *redis.Client, window time.Duration) *RecentStore {
	return &RecentStore{redis: redis, window: window}
}

// RecordRequest appends a request and trims entries older than the window.
func (s *RecentStore) RecordRequest(ctx context.Context, routeID types.ID, bookingID types.ID, loc types.Point, at time.Time) error {
	key := recentKey(routeID)
	member := fmt.Sprintf("%f,%f,%s", loc.Lat, loc.Lng, bookingID)

	pipe := s.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.Unix()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(at.Add(-s.window).Unix(), 10))
	pipe.Expire(ctx, key, 2*s.window)
	_, err := pipe.Exec(ctx)
	return err
}

// RecentRequests lists requests inside the window, newest last.
func (s *RecentStore) RecentRequests(ctx context.Context, routeID types.ID) ([]ai.RecentRequest, error) {
	cutoff := time.Now().Add(-s.window).Unix()
	entries, err := s.redis.ZRangeByScoreWithScores(ctx, recentKey(routeID), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]ai.RecentRequest, 0, len(entries))
	for _, e := range entries {
		member, ok := e.Member.(string)
		if !ok {
			continue
		}
		loc, ok := parseMember(member)
		if !ok {
			continue
		}
		out = append(out, ai.RecentRequest{
			Location: loc,
			At:       time.Unix(int64(e.Score), 0),
		})
	}
	return out, nil
}

func parseMember(member string) (types.Point, bool) {
	parts := strings.SplitN(member, ",", 3)
	if len(parts) != 3 {
		return types.Point{}, false
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return types.Point{}, false
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return types.Point{}, false
	}
	return types.Point{Lat: lat, Lng: lng}, true
}

func recentKey(routeID types.ID) string {
	return fmt.Sprintf(recentKeyPrefix, string(routeID))
}
