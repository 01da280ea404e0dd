// README: Order store backed by PostgreSQL.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parcelnet/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const orderColumns = `
	id, customer_id, status, status_version,
	origin_facility_id, dest_facility_id, dest_lat, dest_lng, address,
	start_city, end_city, service_level, urgency_score, expedite, rider_index,
	estimated_fee, currency,
	created_at, shipped_at, delivered_at, completed_at, cancelled_at, cancel_reason`

func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, status, status_version,
			origin_facility_id, dest_facility_id, dest_lat, dest_lng, address,
			start_city, end_city, service_level, urgency_score, expedite,
			estimated_fee, currency, created_at
		) VALUES (
			$1, $2, $3, $4,
			NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17
		)`,
		string(o.ID), string(o.CustomerID), string(o.Status), o.StatusVersion,
		string(o.OriginFacilityID), string(o.DestFacilityID), nullablePoint(o.Destination, true), nullablePoint(o.Destination, false), o.Address,
		o.StartCity, o.EndCity, string(o.ServiceLevel), o.UrgencyScore, o.Expedite,
		o.EstimatedFee.Amount, o.EstimatedFee.Currency, o.CreatedAt,
	)
	return err
}

func nullablePoint(p types.Point, lat bool) *float64 {
	if !p.Valid() {
		return nil
	}
	v := p.Lng
	if lat {
		v = p.Lat
	}
	return &v
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var origin, dest *string
	var lat, lng *float64
	var rider *int
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.Status, &o.StatusVersion,
		&origin, &dest, &lat, &lng, &o.Address,
		&o.StartCity, &o.EndCity, &o.ServiceLevel, &o.UrgencyScore, &o.Expedite, &rider,
		&o.EstimatedFee.Amount, &o.EstimatedFee.Currency,
		&o.CreatedAt, &o.ShippedAt, &o.DeliveredAt, &o.CompletedAt, &o.CancelledAt, &o.CancelReason,
	)
	if err != nil {
		return nil, err
	}
	if origin != nil {
		o.OriginFacilityID = types.ID(*origin)
	}
	if dest != nil {
		o.DestFacilityID = types.ID(*dest)
	}
	if lat != nil && lng != nil {
		o.Destination = types.Point{Lat: *lat, Lng: *lng}
	}
	o.RiderIndex = rider
	return &o, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	var where []string
	var args []any
	if f.Status != StatusNone {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CustomerID != "" {
		args = append(args, string(f.CustomerID))
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
			status_version = status_version + 1,
			rider_index = COALESCE($2, rider_index),
			shipped_at = CASE WHEN $1 = 'shipping' THEN $3 ELSE shipped_at END,
			delivered_at = CASE WHEN $1 = 'delivered' THEN $3 ELSE delivered_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $3 ELSE cancelled_at END,
			cancel_reason = CASE WHEN $1 = 'cancelled' THEN $4 ELSE cancel_reason END
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(u.To), u.RiderIndex, at, u.Reason,
		string(u.ID), string(u.From), u.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendTimeline(ctx context.Context, e *TimelineEntry) error {
	var lat, lng *float64
	if e.Position != nil {
		lat, lng = &e.Position.Lat, &e.Position.Lng
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO order_timeline (order_id, from_status, to_status, description, lat, lng, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(e.OrderID), string(e.FromStatus), string(e.ToStatus), e.Description, lat, lng, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) Timeline(ctx context.Context, id types.ID) ([]TimelineEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, description, lat, lng, created_at
		FROM order_timeline
		WHERE order_id = $1
		ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var lat, lng *float64
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.Description, &lat, &lng, &e.CreatedAt); err != nil {
			return nil, err
		}
		if lat != nil && lng != nil {
			e.Position = &types.Point{Lat: *lat, Lng: *lng}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
