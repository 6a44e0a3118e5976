// Package aisrealtime polls the Digitraffic AIS feed and keeps the live
// vessel snapshot and the local archive up to date.  The poller follows
// the usual two-goroutine shape: a fetch loop on a ticker and a DB
// writer, talking over channels so no mutex is needed.
package aisrealtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"baltic-marine-map/pkg/database"
	"baltic-marine-map/pkg/logger"
)

const (
	defaultLocationsURL = "https://meri.digitraffic.fi/api/ais/v1/locations"
	defaultVesselsURL   = "https://meri.digitraffic.fi/api/ais/v1/vessels"
	defaultInterval     = 10 * time.Minute
	networkTimeout      = 30 * time.Second

	// AIS sentinel values that mean "not available".
	sogUnavailable     = 102.3
	cogUnavailable     = 360.0
	headingUnavailable = 511
)

// Bounds is the geographic clip window for the snapshot.  The defaults
// cover the Baltic Sea, matching the map view the dashboard opens on.
type Bounds struct {
	MinLon, MaxLon float64
	MinLat, MaxLat float64
}

// BalticBounds is the collection window used since the first archive
// run; changing it would make old and new archive rows incomparable.
var BalticBounds = Bounds{MinLon: 17.0, MaxLon: 30.3, MinLat: 58.5, MaxLat: 66.0}

// Contains reports whether the point lies inside the window.
func (b Bounds) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Config collects the poller knobs.  Zero values fall back to the
// Digitraffic production endpoints and the Baltic window.
type Config struct {
	LocationsURL string
	VesselsURL   string
	Interval     time.Duration
	BBox         Bounds
	Logf         func(string, ...any)
}

func (c *Config) fillDefaults() {
	if c.LocationsURL == "" {
		c.LocationsURL = defaultLocationsURL
	}
	if c.VesselsURL == "" {
		c.VesselsURL = defaultVesselsURL
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BBox == (Bounds{}) {
		c.BBox = BalticBounds
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
}

// Poller owns one recurring fetch loop.  Start may be called again at
// any time; the supervisor goroutine cancels the previous loop before
// arming the next so exactly one ticker is ever active.
type Poller struct {
	cfg     Config
	db      *database.Database
	publish func([]database.VesselPosition)
	fetch   func(context.Context) ([]database.VesselPosition, error)

	starts  chan context.Context
	queries chan chan int
}

// NewPoller wires the poller but does not fetch anything yet.  publish
// receives every successfully parsed snapshot; db may be nil when the
// operator runs without an archive.
func NewPoller(cfg Config, db *database.Database, publish func([]database.VesselPosition)) *Poller {
	cfg.fillDefaults()
	if publish == nil {
		publish = func([]database.VesselPosition) {}
	}
	p := &Poller{
		cfg:     cfg,
		db:      db,
		publish: publish,
		starts:  make(chan context.Context),
		queries: make(chan chan int),
	}
	p.fetch = p.fetchSnapshot
	go p.supervise()
	return p
}

// Start arms the recurring loop.  Calling it while a loop is running
// replaces that loop, which makes re-initialisation idempotent.
func (p *Poller) Start(ctx context.Context) { p.starts <- ctx }

// ActiveLoops reports how many recurring loops are armed (0 or 1).
// Exposed so the invariant stays testable.
func (p *Poller) ActiveLoops() int {
	reply := make(chan int, 1)
	p.queries <- reply
	return <-reply
}

// supervise owns the current loop's cancel function so Start can stay a
// bare channel send and callers never race each other.
func (p *Poller) supervise() {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	active := func() int {
		if done == nil {
			return 0
		}
		select {
		case <-done:
			return 0
		default:
			return 1
		}
	}
	for {
		select {
		case parent := <-p.starts:
			if cancel != nil {
				cancel()
				<-done // old loop fully stopped before the new one arms
			}
			var child context.Context
			child, cancel = context.WithCancel(parent)
			done = make(chan struct{})
			go p.run(child, done)
		case reply := <-p.queries:
			reply <- active()
		}
	}
}

// run executes one fetch immediately, then repeats on the ticker.
// Running the first fetch before waiting on the ticker gives operators
// instant feedback after startup.
func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.cfg.Logf("ais poller start: url=%s interval=%s bbox=%.1f..%.1fE %.1f..%.1fN",
		p.cfg.LocationsURL, p.cfg.Interval,
		p.cfg.BBox.MinLon, p.cfg.BBox.MaxLon, p.cfg.BBox.MinLat, p.cfg.BBox.MaxLat)

	batches := make(chan snapshotBatch)
	go p.writer(ctx, batches)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	cycle := 0
	for {
		cycle++
		p.runCycle(ctx, cycle, batches)

		select {
		case <-ctx.Done():
			close(batches)
			return
		case <-ticker.C:
		}
	}
}

// snapshotBatch carries one cycle's records plus its statistics to the
// writer goroutine.
type snapshotBatch struct {
	positions []database.VesselPosition
	summary   database.CollectionSummary
}

func (p *Poller) runCycle(ctx context.Context, cycle int, batches chan<- snapshotBatch) {
	cycleID := fmt.Sprintf("ais-%06d", cycle)
	started := time.Now()

	logger.Begin(cycleID)
	logger.Append(cycleID, fmt.Sprintf("[%s] fetch %s", cycleID, p.cfg.LocationsURL))

	snapshot, err := p.fetch(ctx)
	if err != nil {
		// A failed cycle keeps the previous snapshot visible.
		logger.FlushError(cycleID, fmt.Errorf("ais fetch: %w", err))
		return
	}
	// A loop superseded mid-fetch must not overwrite newer state.
	if ctx.Err() != nil {
		logger.Success(cycleID, "discarded: cycle superseded during fetch")
		return
	}

	p.publish(snapshot)

	elapsed := time.Since(started)
	batch := snapshotBatch{
		positions: snapshot,
		summary: database.CollectionSummary{
			Timestamp:        started.UTC().Unix(),
			VesselCount:      len(snapshot),
			CollectionTimeMs: elapsed.Milliseconds(),
		},
	}
	select {
	case <-ctx.Done():
	case batches <- batch:
	}

	logger.Success(cycleID, fmt.Sprintf("vessels %d in %s next=%s",
		len(snapshot), elapsed.Truncate(time.Millisecond), p.cfg.Interval))
}

// writer archives finished cycles.  Archive errors degrade to log lines
// so a broken disk never stops the live view.
func (p *Poller) writer(ctx context.Context, batches <-chan snapshotBatch) {
	for batch := range batches {
		if p.db == nil {
			continue
		}
		if err := p.db.InsertVesselPositions(ctx, batch.positions); err != nil {
			p.cfg.Logf("ais archive error: %v", err)
			continue
		}
		if err := p.db.InsertCollectionSummary(ctx, batch.summary); err != nil {
			p.cfg.Logf("ais summary error: %v", err)
		}
	}
}

// fetchSnapshot downloads the position and metadata feeds and joins
// them into the normalized snapshot.
func (p *Poller) fetchSnapshot(ctx context.Context) ([]database.VesselPosition, error) {
	rawLocations, err := fetchBody(ctx, p.cfg.LocationsURL)
	if err != nil {
		return nil, err
	}
	fixes, err := decodeLocations(rawLocations)
	if err != nil {
		return nil, err
	}

	// Metadata is best effort: names and destinations are decoration,
	// positions are the payload.
	meta := map[int64]vesselMeta{}
	if rawVessels, err := fetchBody(ctx, p.cfg.VesselsURL); err != nil {
		p.cfg.Logf("ais metadata fetch skipped: %v", err)
	} else if meta, err = decodeMetadata(rawVessels); err != nil {
		p.cfg.Logf("ais metadata decode skipped: %v", err)
		meta = map[int64]vesselMeta{}
	}

	return joinSnapshot(fixes, meta, p.cfg.BBox), nil
}

func fetchBody(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	// Digitraffic asks API users to identify themselves.
	req.Header.Set("Digitraffic-User", "baltic-marine-map")
	client := &http.Client{Timeout: networkTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
}

// ---- feed decoding ----

// locationFeature maps only the fields we need from the Digitraffic
// GeoJSON.  Keeping it small avoids coupling to the full upstream
// schema.
type locationFeature struct {
	MMSI     int64 `json:"mmsi"`
	Geometry struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
	Properties struct {
		Sog               *float64 `json:"sog"`
		Cog               *float64 `json:"cog"`
		NavStat           *int64   `json:"navStat"`
		Heading           *int64   `json:"heading"`
		PosAcc            bool     `json:"posAcc"`
		TimestampExternal int64    `json:"timestampExternal"` // milliseconds
	} `json:"properties"`
}

type locationCollection struct {
	Features []locationFeature `json:"features"`
}

type vesselMeta struct {
	Name        string
	ShipType    int64
	HasShipType bool
	Destination string
	ETA         string
	Draught     float64
	HasDraught  bool
}

func decodeLocations(b []byte) ([]locationFeature, error) {
	var collection locationCollection
	if err := json.Unmarshal(b, &collection); err != nil {
		return nil, fmt.Errorf("decode locations: %w", err)
	}
	return collection.Features, nil
}

func decodeMetadata(b []byte) (map[int64]vesselMeta, error) {
	var list []struct {
		MMSI        int64    `json:"mmsi"`
		Name        string   `json:"name"`
		ShipType    *int64   `json:"shipType"`
		Destination string   `json:"destination"`
		ETA         *int64   `json:"eta"`
		Draught     *float64 `json:"draught"`
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("decode vessels: %w", err)
	}
	out := make(map[int64]vesselMeta, len(list))
	for _, v := range list {
		meta := vesselMeta{
			Name:        strings.TrimSpace(v.Name),
			Destination: strings.TrimSpace(v.Destination),
		}
		if v.ShipType != nil {
			meta.ShipType, meta.HasShipType = *v.ShipType, true
		}
		if v.ETA != nil {
			meta.ETA = decodeETA(*v.ETA)
		}
		if v.Draught != nil && *v.Draught > 0 {
			// Upstream reports decimetres.
			meta.Draught, meta.HasDraught = *v.Draught/10.0, true
		}
		out[v.MMSI] = meta
	}
	return out, nil
}

// decodeETA unpacks the AIS 20-bit ETA field (month/day/hour/minute).
// A zeroed field means "not reported" and yields an empty string.
func decodeETA(packed int64) string {
	month := (packed >> 16) & 0x0F
	day := (packed >> 11) & 0x1F
	hour := (packed >> 6) & 0x1F
	minute := packed & 0x3F
	if month == 0 || day == 0 {
		return ""
	}
	if hour > 23 || minute > 59 {
		return fmt.Sprintf("%02d-%02d", month, day)
	}
	return fmt.Sprintf("%02d-%02d %02d:%02d", month, day, hour, minute)
}

// joinSnapshot clips fixes to the window and merges metadata by MMSI.
// Sentinel "unavailable" readings become absent fields so rendering can
// omit them instead of showing bogus numbers.
func joinSnapshot(fixes []locationFeature, meta map[int64]vesselMeta, bbox Bounds) []database.VesselPosition {
	out := make([]database.VesselPosition, 0, len(fixes))
	for _, f := range fixes {
		if len(f.Geometry.Coordinates) < 2 {
			continue
		}
		lon, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
		if !bbox.Contains(lon, lat) {
			continue
		}

		p := database.VesselPosition{
			MMSI:      f.MMSI,
			Lon:       lon,
			Lat:       lat,
			PosAcc:    f.Properties.PosAcc,
			Timestamp: f.Properties.TimestampExternal / 1000,
		}
		if f.Properties.Sog != nil && *f.Properties.Sog != sogUnavailable {
			p.Sog, p.SogValid = *f.Properties.Sog, true
		}
		if f.Properties.Cog != nil && *f.Properties.Cog != cogUnavailable {
			p.Cog, p.CogValid = *f.Properties.Cog, true
		}
		if f.Properties.Heading != nil && *f.Properties.Heading != headingUnavailable {
			p.Heading, p.HeadingValid = *f.Properties.Heading, true
		}
		if f.Properties.NavStat != nil {
			p.NavStat, p.NavStatValid = *f.Properties.NavStat, true
		}
		if m, ok := meta[f.MMSI]; ok {
			p.Name = m.Name
			p.Destination = m.Destination
			p.ETA = m.ETA
			if m.HasShipType {
				p.ShipType, p.ShipTypeValid = m.ShipType, true
			}
			if m.HasDraught {
				p.Draught, p.DraughtValid = m.Draught, true
			}
		}
		out = append(out, p)
	}
	return out
}

// FetchTrack downloads one vessel's position history from the feed.
// The overlay registry uses it as the fallback when the local archive
// does not hold the requested window yet.
func FetchTrack(ctx context.Context, locationsURL string, mmsi int64, from time.Time) ([]database.TrackPoint, error) {
	if locationsURL == "" {
		locationsURL = defaultLocationsURL
	}
	u, err := url.Parse(locationsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("mmsi", fmt.Sprintf("%d", mmsi))
	q.Set("from", from.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	body, err := fetchBody(ctx, u.String())
	if err != nil {
		return nil, err
	}
	fixes, err := decodeLocations(body)
	if err != nil {
		return nil, err
	}

	out := make([]database.TrackPoint, 0, len(fixes))
	for _, f := range fixes {
		if len(f.Geometry.Coordinates) < 2 {
			continue
		}
		p := database.TrackPoint{
			Timestamp: f.Properties.TimestampExternal / 1000,
			Lon:       f.Geometry.Coordinates[0],
			Lat:       f.Geometry.Coordinates[1],
		}
		if f.Properties.Sog != nil && *f.Properties.Sog != sogUnavailable {
			p.Sog = *f.Properties.Sog
		}
		out = append(out, p)
	}
	return out, nil
}
