// README: Rate table backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parcelnet/internal/modules/topology"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetRate(ctx context.Context, level topology.ServiceLevel) (Rate, error) {
	var r Rate
	err := s.db.QueryRow(ctx, `
		SELECT service_level, base_fare, per_km, currency
		FROM pricing_rates
		WHERE service_level = $1`, string(level)).Scan(&r.ServiceLevel, &r.BaseFare, &r.PerKm, &r.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, ErrRateNotFound
	}
	if err != nil {
		return Rate{}, err
	}
	return r, nil
}

func (s *Store) UpsertRate(ctx context.Context, r Rate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pricing_rates (service_level, base_fare, per_km, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service_level) DO UPDATE
		SET base_fare = EXCLUDED.base_fare, per_km = EXCLUDED.per_km, currency = EXCLUDED.currency`,
		string(r.ServiceLevel), r.BaseFare, r.PerKm, r.Currency)
	return err
}
