// README: Redis tracking sink: rider GEO index, latest order position hash and pub/sub channel.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"parcelnet/internal/types"
)

const (
	riderGeoKey    = "tracking:riders"
	eventsChannel  = "tracking:events"
	poolKey        = "tracking:pool"
	planKey        = "tracking:plan"
	orderKeyPrefix = "tracking:order:"
	orderKeyTTL    = 24 * time.Hour
)

var ErrNoPosition = errors.New("no tracked position")

type RedisSink struct {
	rdb *redis.Client
}

func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func riderMember(idx int) string {
	return "rider:" + strconv.Itoa(idx)
}

func (s *RedisSink) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	switch p := env.Payload.(type) {
	case Event:
		if p.RiderIndex != nil {
			pipe.GeoAdd(ctx, riderGeoKey, &redis.GeoLocation{
				Name:      riderMember(*p.RiderIndex),
				Longitude: p.Lng,
				Latitude:  p.Lat,
			})
		}
		if p.OrderID != "" {
			key := orderKeyPrefix + string(p.OrderID)
			pipe.HSet(ctx, key,
				"lat", p.Lat,
				"lng", p.Lng,
				"status", string(p.Status),
				"mode", string(p.TransportMode),
				"ts", p.Timestamp.UnixMilli(),
			)
			pipe.Expire(ctx, key, orderKeyTTL)
		}
	case PoolSnapshot:
		pipe.Set(ctx, poolKey, data, 0)
	case BatchPlan:
		pipe.Set(ctx, planKey, data, 0)
	}
	pipe.Publish(ctx, eventsChannel, data)
	_, err = pipe.Exec(ctx)
	return err
}

// TrackedPosition is the last known location of an order.
type TrackedPosition struct {
	OrderID       types.ID    `json:"orderId"`
	Position      types.Point `json:"position"`
	Status        Status      `json:"status"`
	TransportMode Mode        `json:"transportMode,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (s *RedisSink) LastPosition(ctx context.Context, orderID types.ID) (TrackedPosition, error) {
	vals, err := s.rdb.HGetAll(ctx, orderKeyPrefix+string(orderID)).Result()
	if err != nil {
		return TrackedPosition{}, err
	}
	if len(vals) == 0 {
		return TrackedPosition{}, ErrNoPosition
	}
	lat, _ := strconv.ParseFloat(vals["lat"], 64)
	lng, _ := strconv.ParseFloat(vals["lng"], 64)
	ts, _ := strconv.ParseInt(vals["ts"], 10, 64)
	return TrackedPosition{
		OrderID:       orderID,
		Position:      types.Point{Lat: lat, Lng: lng},
		Status:        Status(vals["status"]),
		TransportMode: Mode(vals["mode"]),
		UpdatedAt:     time.UnixMilli(ts).UTC(),
	}, nil
}

// RidersNear lists rider indexes within radiusKm of p, closest first.
func (s *RedisSink) RidersNear(ctx context.Context, p types.Point, radiusKm float64) ([]int, error) {
	locs, err := s.rdb.GeoRadius(ctx, riderGeoKey, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(locs))
	for _, loc := range locs {
		var idx int
		if _, err := fmt.Sscanf(loc.Name, "rider:%d", &idx); err == nil {
			out = append(out, idx)
		}
	}
	return out, nil
}
