// README: Topology persistence: PostgreSQL facilities table and YAML seed files.
package topology

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"parcelnet/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Load reads every facility and builds the in-memory topology.
func (s *Store) Load(ctx context.Context) (*Topology, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, kind, lat, lng, city, parent_id
		FROM facilities
		ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facilities []Facility
	parents := map[types.ID]types.ID{}
	for rows.Next() {
		var f Facility
		var city, parent *string
		if err := rows.Scan(&f.ID, &f.Name, &f.Kind, &f.Position.Lat, &f.Position.Lng, &city, &parent); err != nil {
			return nil, err
		}
		if city != nil {
			f.City = *city
		}
		if parent != nil {
			parents[f.ID] = types.ID(*parent)
		}
		facilities = append(facilities, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return New(facilities, parents)
}

// Save replaces the facilities table with the given topology.
func (s *Store) Save(ctx context.Context, t *Topology) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM facilities`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, f := range t.Facilities() {
			var parent *string
			if p, ok := t.Parent(f.ID); ok {
				v := string(p)
				parent = &v
			}
			batch.Queue(`
				INSERT INTO facilities (id, seq, name, kind, lat, lng, city, parent_id)
				VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
				string(f.ID), i, f.Name, string(f.Kind), f.Position.Lat, f.Position.Lng, f.City, parent)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

type seedFile struct {
	Facilities []seedFacility `yaml:"facilities"`
}

type seedFacility struct {
	ID     types.ID `yaml:"id"`
	Name   string   `yaml:"name"`
	Kind   Kind     `yaml:"kind"`
	Lat    float64  `yaml:"lat"`
	Lng    float64  `yaml:"lng"`
	City   string   `yaml:"city"`
	Parent types.ID `yaml:"parent"`
}

// ParseSeed builds a topology from a YAML document.
func ParseSeed(data []byte) (*Topology, error) {
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse topology seed: %w", err)
	}
	facilities := make([]Facility, 0, len(doc.Facilities))
	parents := map[types.ID]types.ID{}
	for _, sf := range doc.Facilities {
		facilities = append(facilities, Facility{
			ID:       sf.ID,
			Name:     sf.Name,
			Kind:     sf.Kind,
			Position: types.Point{Lat: sf.Lat, Lng: sf.Lng},
			City:     sf.City,
		})
		if sf.Parent != "" {
			parents[sf.ID] = sf.Parent
		}
	}
	return New(facilities, parents)
}

func LoadSeedFile(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(data)
}
