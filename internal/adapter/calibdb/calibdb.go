// Package calibdb stores observed water-edge points in SQLite for the
// roughness calibration pass. Points are collected per HUC from field
// surveys and remote sensing; each row carries a map location and the
// discharge observed when the water edge sat there.
package calibdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/robgpita/inundation-mapping/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS water_edge_points (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	huc TEXT NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	flow_cms REAL NOT NULL,
	submitter TEXT NOT NULL DEFAULT '',
	coll_time TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_water_edge_huc ON water_edge_points(huc);
`

// Store wraps the calibration point database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the calibration database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open calibration db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init calibration schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PointsForHUC returns all water-edge observations recorded for a HUC,
// ordered by collection time then location for deterministic processing.
func (s *Store) PointsForHUC(ctx context.Context, huc string) ([]domain.WaterEdgePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT x, y, flow_cms, submitter, coll_time
		FROM water_edge_points
		WHERE huc = ?
		ORDER BY coll_time, x, y`, huc)
	if err != nil {
		return nil, fmt.Errorf("query points for huc %s: %w", huc, err)
	}
	defer rows.Close()

	var pts []domain.WaterEdgePoint
	for rows.Next() {
		var p domain.WaterEdgePoint
		var collTime string
		if err := rows.Scan(&p.X, &p.Y, &p.FlowCMS, &p.Submitter, &collTime); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		t, err := time.Parse(time.RFC3339, collTime)
		if err != nil {
			return nil, fmt.Errorf("parse coll_time %q: %w", collTime, err)
		}
		p.CollectedAt = t
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate points: %w", err)
	}
	return pts, nil
}

// Insert records water-edge observations for a HUC in one transaction.
func (s *Store) Insert(ctx context.Context, huc string, pts []domain.WaterEdgePoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO water_edge_points (huc, x, y, flow_cms, submitter, coll_time)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pts {
		_, err := stmt.ExecContext(ctx, huc, p.X, p.Y, p.FlowCMS, p.Submitter,
			p.CollectedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert point (%.1f, %.1f): %w", p.X, p.Y, err)
		}
	}
	return tx.Commit()
}
