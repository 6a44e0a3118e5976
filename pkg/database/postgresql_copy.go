package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// insertVesselPositionsCopy streams a poll cycle into PostgreSQL using
// COPY to keep large snapshots fast.  A temporary table lets COPY keep
// its throughput while the final INSERT stays a single statement.
func (db *Database) insertVesselPositionsCopy(ctx context.Context, positions []VesselPosition) error {
	if len(positions) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	// The timestamp-based suffix keeps names unique per call while
	// staying predictable for debugging.
	tempTable := fmt.Sprintf("temp_vessels_%d", time.Now().UnixNano())
	createTemp := fmt.Sprintf(`CREATE TEMP TABLE %s (
id BIGINT,
timestamp BIGINT,
mmsi BIGINT,
name TEXT,
lon DOUBLE PRECISION,
lat DOUBLE PRECISION,
sog DOUBLE PRECISION,
cog DOUBLE PRECISION,
heading INTEGER,
navStat INTEGER,
shipType INTEGER,
destination TEXT,
eta TEXT,
draught DOUBLE PRECISION,
posAcc BOOLEAN
)`, tempTable)
	if _, err := conn.ExecContext(ctx, createTemp); err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}

	// Ensure cleanup even if COPY fails; a detached context avoids
	// blocking shutdown when the caller's context is already cancelled.
	dropCtx, dropCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dropCancel()
	defer conn.ExecContext(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempTable))

	rows := make([][]interface{}, 0, len(positions))
	for _, p := range positions {
		id := <-db.idGenerator
		rows = append(rows, []interface{}{
			id, p.Timestamp, p.MMSI, p.Name, p.Lon, p.Lat,
			nullableFloat64(p.SogValid, p.Sog),
			nullableFloat64(p.CogValid, p.Cog),
			nullableInt64(p.HeadingValid, p.Heading),
			nullableInt64(p.NavStatValid, p.NavStat),
			nullableInt64(p.ShipTypeValid, p.ShipType),
			p.Destination, p.ETA,
			nullableFloat64(p.DraughtValid, p.Draught),
			p.PosAcc,
		})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{tempTable},
			[]string{"id", "timestamp", "mmsi", "name", "lon", "lat", "sog", "cog", "heading", "navstat", "shiptype", "destination", "eta", "draught", "posacc"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if copyErr != nil {
		return fmt.Errorf("copy vessels into temp table: %w", copyErr)
	}

	insertFromTemp := fmt.Sprintf(`INSERT INTO vessel_positions
(id,timestamp,mmsi,name,lon,lat,sog,cog,heading,navStat,shipType,destination,eta,draught,posAcc)
SELECT id,timestamp,mmsi,name,lon,lat,sog,cog,heading,navStat,shipType,destination,eta,draught,posAcc FROM %s`, tempTable)
	if _, err := conn.ExecContext(ctx, insertFromTemp); err != nil {
		return fmt.Errorf("merge temp vessels: %w", err)
	}

	return nil
}
