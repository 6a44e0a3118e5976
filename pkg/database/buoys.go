package database

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertBuoyObservation archives the representative reading of one
// station from one poll cycle.
func (db *Database) InsertBuoyObservation(ctx context.Context, b BuoyObservation) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database unavailable")
	}
	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`INSERT INTO buoy_observations
 (id, timestamp, station, lon, lat, waveHeight, waveDirection, wavePeriod, waterTemp, maxWaveHeight)
 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		next(), next(), next(), next(), next(), next(), next(), next(), next(), next())

	id := <-db.idGenerator
	_, err := db.DB.ExecContext(ctx, query,
		id, b.Timestamp, b.Station, b.Lon, b.Lat,
		nullableFloat64(b.WaveHeightValid, b.WaveHeight),
		nullableFloat64(b.WaveDirectionValid, b.WaveDirection),
		nullableFloat64(b.WavePeriodValid, b.WavePeriod),
		nullableFloat64(b.WaterTempValid, b.WaterTemp),
		nullableFloat64(b.MaxWaveHeightValid, b.MaxWaveHeight),
	)
	if err != nil {
		return fmt.Errorf("insert buoy observation: %w", err)
	}
	return nil
}

// LatestBuoyObservations returns the newest archived reading per
// station.  A fresh archive without tables yields an empty list rather
// than an error so the status page stays usable during first start.
func (db *Database) LatestBuoyObservations(ctx context.Context, limit int) ([]BuoyObservation, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("database unavailable")
	}
	if limit <= 0 {
		limit = 100
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT id, timestamp, station, lon, lat,
 waveHeight, waveDirection, wavePeriod, waterTemp, maxWaveHeight
 FROM buoy_observations ORDER BY timestamp DESC LIMIT %s`, next())

	rows, err := db.DB.QueryContext(ctx, query, limit)
	if err != nil {
		if isMissingTableError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("buoy observations query: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []BuoyObservation
	for rows.Next() {
		var b BuoyObservation
		var height, direction, period, waterTemp, maxHeight sql.NullFloat64
		if err := rows.Scan(&b.ID, &b.Timestamp, &b.Station, &b.Lon, &b.Lat,
			&height, &direction, &period, &waterTemp, &maxHeight); err != nil {
			return nil, fmt.Errorf("scan buoy observation: %w", err)
		}
		if seen[b.Station] {
			continue
		}
		seen[b.Station] = true

		b.WaveHeight, b.WaveHeightValid = height.Float64, height.Valid
		b.WaveDirection, b.WaveDirectionValid = direction.Float64, direction.Valid
		b.WavePeriod, b.WavePeriodValid = period.Float64, period.Valid
		b.WaterTemp, b.WaterTempValid = waterTemp.Float64, waterTemp.Valid
		b.MaxWaveHeight, b.MaxWaveHeightValid = maxHeight.Float64, maxHeight.Valid
		out = append(out, b)
	}
	return out, rows.Err()
}
