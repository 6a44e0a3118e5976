package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InsertVesselPositions archives one poll cycle's fixes.  PostgreSQL
// gets the COPY fast path; other engines insert inside one transaction
// so a cycle is either fully archived or not at all.
func (db *Database) InsertVesselPositions(ctx context.Context, positions []VesselPosition) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database unavailable")
	}
	if len(positions) == 0 {
		return nil
	}
	if db.Driver == "pgx" {
		return db.insertVesselPositionsCopy(ctx, positions)
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vessel tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vessel_positions
 (id, timestamp, mmsi, name, lon, lat, sog, cog, heading, navStat, shipType, destination, eta, draught, posAcc)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare vessel insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		id := <-db.idGenerator
		if _, err := stmt.ExecContext(ctx,
			id, p.Timestamp, p.MMSI, p.Name, p.Lon, p.Lat,
			nullableFloat64(p.SogValid, p.Sog),
			nullableFloat64(p.CogValid, p.Cog),
			nullableInt64(p.HeadingValid, p.Heading),
			nullableInt64(p.NavStatValid, p.NavStat),
			nullableInt64(p.ShipTypeValid, p.ShipType),
			p.Destination, p.ETA,
			nullableFloat64(p.DraughtValid, p.Draught),
			p.PosAcc,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert vessel position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vessel tx: %w", err)
	}
	return nil
}

// InsertCollectionSummary records the statistics of one finished poll
// cycle, one row per cycle like the standalone collector wrote.
func (db *Database) InsertCollectionSummary(ctx context.Context, s CollectionSummary) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database unavailable")
	}
	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`INSERT INTO collection_summary (id, timestamp, vesselCount, collectionTimeMs)
 VALUES (%s, %s, %s, %s)`, next(), next(), next(), next())
	id := <-db.idGenerator
	_, err := db.DB.ExecContext(ctx, query, id, s.Timestamp, s.VesselCount, s.CollectionTimeMs)
	if err != nil {
		return fmt.Errorf("insert collection summary: %w", err)
	}
	return nil
}

// LatestCollectionSummaries returns the newest cycle statistics, newest
// first.  The limit is clamped so a careless query parameter cannot
// drag the whole table into memory.
func (db *Database) LatestCollectionSummaries(ctx context.Context, limit int) ([]CollectionSummary, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("database unavailable")
	}
	if limit <= 0 {
		limit = 24
	}
	if limit > 1000 {
		limit = 1000
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT id, timestamp, vesselCount, collectionTimeMs
 FROM collection_summary ORDER BY timestamp DESC LIMIT %s`, next())

	rows, err := db.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("summaries query: %w", err)
	}
	defer rows.Close()

	var out []CollectionSummary
	for rows.Next() {
		var s CollectionSummary
		var elapsed sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.VesselCount, &elapsed); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if elapsed.Valid {
			s.CollectionTimeMs = elapsed.Int64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountVesselPositions reports the archive size for the status page.
func (db *Database) CountVesselPositions(ctx context.Context) (int64, error) {
	if db == nil || db.DB == nil {
		return 0, fmt.Errorf("database unavailable")
	}
	var n int64
	if err := db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vessel_positions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vessel positions: %w", err)
	}
	return n, nil
}

// StreamVesselTrack streams one vessel's archived fixes since the given
// UNIX timestamp, ascending.  A streaming channel lets the caller start
// encoding before the query finishes, mirroring "Don't communicate by
// sharing memory; share memory by communicating".
func (db *Database) StreamVesselTrack(ctx context.Context, mmsi int64, fromUnix int64) (<-chan TrackPoint, <-chan error) {
	out := make(chan TrackPoint)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if db == nil || db.DB == nil {
			errs <- fmt.Errorf("database unavailable")
			return
		}

		next := newPlaceholderGenerator(db.Driver)
		query := fmt.Sprintf(`SELECT timestamp, lon, lat, sog
 FROM vessel_positions WHERE mmsi = %s AND timestamp >= %s
 ORDER BY timestamp ASC`, next(), next())

		rows, err := db.DB.QueryContext(ctx, query, mmsi, fromUnix)
		if err != nil {
			errs <- fmt.Errorf("vessel track query: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var p TrackPoint
			var sog sql.NullFloat64
			if err := rows.Scan(&p.Timestamp, &p.Lon, &p.Lat, &sog); err != nil {
				errs <- fmt.Errorf("scan track point: %w", err)
				return
			}
			if sog.Valid {
				p.Sog = sog.Float64
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case out <- p:
			}
		}

		if err := rows.Err(); err != nil {
			errs <- fmt.Errorf("iterate track: %w", err)
			return
		}
		errs <- nil
	}()

	return out, errs
}

// VesselTrackSince collects a streamed track into a slice for callers
// that need the whole window at once (the overlay registry does).
func (db *Database) VesselTrackSince(ctx context.Context, mmsi int64, fromUnix int64) ([]TrackPoint, error) {
	points, errs := db.StreamVesselTrack(ctx, mmsi, fromUnix)
	var out []TrackPoint
	for p := range points {
		out = append(out, p)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}

// isMissingTableError lets callers degrade gracefully when the archive
// was opened against an empty file that has not seen InitSchema yet.
func isMissingTableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}
