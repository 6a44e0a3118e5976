// Package fmirealtime polls wave-buoy observations from the FMI open
// data WFS service and publishes one representative reading per buoy.
// The stored query returns a multipoint coverage: station points, a
// positions block (lat lon epoch rows) and a tuple list of readings
// where missing values arrive as NaN.
package fmirealtime

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"baltic-marine-map/pkg/database"
	"baltic-marine-map/pkg/logger"
)

const (
	defaultBaseURL  = "https://opendata.fmi.fi/wfs"
	storedQueryID   = "fmi::observations::wave::multipointcoverage"
	defaultInterval = 30 * time.Minute
	defaultLookback = 3 * time.Hour
	networkTimeout  = 30 * time.Second
)

// parameterOrder fixes the tuple column layout requested from the
// stored query.  The parser indexes tuple fields by this order.
var parameterOrder = []string{"WaveHs", "ModalWDi", "Tpeak", "TW", "WHmax"}

// Config collects the poller knobs; zero values fall back to the FMI
// production endpoint.
type Config struct {
	BaseURL  string
	Interval time.Duration
	Lookback time.Duration
	Logf     func(string, ...any)
}

func (c *Config) fillDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
}

// Poller owns one recurring buoy fetch loop.  Like the vessel poller it
// may be started again at any time; the supervisor cancels the old loop
// first so a re-initialised dashboard never runs two tickers.
type Poller struct {
	cfg     Config
	db      *database.Database
	publish func([]database.BuoyObservation)
	fetch   func(context.Context) ([]database.BuoyObservation, error)

	starts  chan context.Context
	queries chan chan int
}

// NewPoller wires the poller without fetching.  db may be nil.
func NewPoller(cfg Config, db *database.Database, publish func([]database.BuoyObservation)) *Poller {
	cfg.fillDefaults()
	if publish == nil {
		publish = func([]database.BuoyObservation) {}
	}
	p := &Poller{
		cfg:     cfg,
		db:      db,
		publish: publish,
		starts:  make(chan context.Context),
		queries: make(chan chan int),
	}
	p.fetch = p.fetchObservations
	go p.supervise()
	return p
}

// Start arms the recurring loop, replacing any previous one.
func (p *Poller) Start(ctx context.Context) { p.starts <- ctx }

// ActiveLoops reports how many recurring loops are armed (0 or 1).
func (p *Poller) ActiveLoops() int {
	reply := make(chan int, 1)
	p.queries <- reply
	return <-reply
}

func (p *Poller) supervise() {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	for {
		select {
		case parent := <-p.starts:
			if cancel != nil {
				cancel()
				<-done
			}
			var child context.Context
			child, cancel = context.WithCancel(parent)
			done = make(chan struct{})
			go p.run(child, done)
		case reply := <-p.queries:
			if done == nil {
				reply <- 0
				continue
			}
			select {
			case <-done:
				reply <- 0
			default:
				reply <- 1
			}
		}
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.cfg.Logf("buoy poller start: url=%s query=%s interval=%s", p.cfg.BaseURL, storedQueryID, p.cfg.Interval)

	observations := make(chan database.BuoyObservation)
	reports := make(chan int)

	// DB writer goroutine.  It counts successes and errors per cycle
	// and logs once per report so the archive path stays quiet.
	go func() {
		var stored, errs int
		var lastErr error
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-observations:
				if !ok {
					return
				}
				if p.db == nil {
					continue
				}
				if err := p.db.InsertBuoyObservation(ctx, b); err != nil {
					errs++
					lastErr = err
				} else {
					stored++
				}
			case n := <-reports:
				if errs > 0 {
					p.cfg.Logf("buoy poll: stations %d stored %d errors %d last=%v next=%s", n, stored, errs, lastErr, p.cfg.Interval)
				} else {
					p.cfg.Logf("buoy poll: stations %d stored %d next=%s", n, stored, p.cfg.Interval)
				}
				stored, errs, lastErr = 0, 0, nil
			}
		}
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	cycle := 0
	for {
		cycle++
		cycleID := fmt.Sprintf("buoy-%05d", cycle)
		logger.Begin(cycleID)
		logger.Append(cycleID, fmt.Sprintf("[%s] fetch %s", cycleID, storedQueryID))

		obs, err := p.fetch(ctx)
		switch {
		case err != nil:
			logger.FlushError(cycleID, fmt.Errorf("buoy fetch: %w", err))
		case ctx.Err() != nil:
			logger.Success(cycleID, "discarded: cycle superseded during fetch")
		default:
			p.publish(obs)
			for _, b := range obs {
				select {
				case <-ctx.Done():
					close(observations)
					return
				case observations <- b:
				}
			}
			select {
			case <-ctx.Done():
			case reports <- len(obs):
			}
			logger.Success(cycleID, fmt.Sprintf("stations %d next=%s", len(obs), p.cfg.Interval))
		}

		select {
		case <-ctx.Done():
			close(observations)
			return
		case <-ticker.C:
		}
	}
}

// fetchObservations builds the stored query URL and parses the reply.
func (p *Poller) fetchObservations(ctx context.Context) ([]database.BuoyObservation, error) {
	now := time.Now().UTC()
	u, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("service", "WFS")
	q.Set("version", "2.0.0")
	q.Set("request", "getFeature")
	q.Set("storedquery_id", storedQueryID)
	q.Set("starttime", now.Add(-p.cfg.Lookback).Format(time.RFC3339))
	q.Set("endtime", now.Format(time.RFC3339))
	q.Set("parameters", strings.Join(parameterOrder, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
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
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	return parseCoverage(body)
}

// ---- WFS multipoint coverage parsing ----

// The XML structs name only the local elements we need; encoding/xml
// matches them regardless of namespace prefix.
type wfsPoint struct {
	Name string `xml:"name"`
	Pos  string `xml:"pos"`
}

type wfsMember struct {
	Points    []wfsPoint `xml:"GridSeriesObservation>featureOfInterest>SF_SpatialSamplingFeature>shape>MultiPoint>pointMembers>Point"`
	Positions string     `xml:"GridSeriesObservation>result>MultiPointCoverage>domainSet>SimpleMultiPoint>positions"`
	Tuples    string     `xml:"GridSeriesObservation>result>MultiPointCoverage>rangeSet>DataBlock>doubleOrNilReasonTupleList"`
}

type wfsResponse struct {
	Members []wfsMember `xml:"member"`
}

// coverageRow is one timestamped tuple tied to its station point.
type coverageRow struct {
	lat, lon float64
	epoch    int64
	values   []float64 // NaN marks an absent field
}

// parseCoverage turns the WFS reply into one representative observation
// per station.  Rows are grouped by their coordinate key and stations
// are matched to names through the sampling-feature point list, so the
// parse does not depend on the ordering of the parallel blocks.  Within
// a station the newest row with at least one real value wins; rows that
// are entirely NaN are never selected.  One record per station name —
// the first valid one encountered — and duplicates are dropped.
func parseCoverage(body []byte) ([]database.BuoyObservation, error) {
	var resp wfsResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode wfs reply: %w", err)
	}

	names := make(map[string]string) // coordinate key -> station name
	groups := make(map[string][]coverageRow)
	var order []string // coordinate keys in first-seen order

	for _, member := range resp.Members {
		for _, pt := range member.Points {
			lat, lon, ok := parsePos(pt.Pos)
			if !ok {
				continue
			}
			key := coordKey(lat, lon)
			if name := strings.TrimSpace(pt.Name); name != "" {
				names[key] = name
			}
		}

		rows, err := parseRows(member.Positions, member.Tuples)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			key := coordKey(row.lat, row.lon)
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], row)
		}
	}

	var out []database.BuoyObservation
	taken := make(map[string]bool) // station name -> already represented
	placeholder := 0
	for _, key := range order {
		rows := groups[key]
		row, ok := newestValidRow(rows)
		if !ok {
			continue
		}

		name := names[key]
		if name == "" {
			// The feed occasionally omits a station name; keep the
			// point on the map under a stable placeholder label.
			placeholder++
			name = fmt.Sprintf("Buoy %d", placeholder)
		}
		if taken[name] {
			continue
		}
		taken[name] = true

		out = append(out, buildObservation(name, row))
	}
	return out, nil
}

// parseRows pairs each positions row (lat lon epoch) with its tuple.
// A count mismatch is a malformed payload; shorter of the two is used
// so a truncated reply still yields the rows it carries.
func parseRows(positions, tuples string) ([]coverageRow, error) {
	posFields := strings.Fields(positions)
	if len(posFields)%3 != 0 {
		return nil, fmt.Errorf("positions block not divisible by 3: %d fields", len(posFields))
	}
	tupleFields := strings.Fields(tuples)
	width := len(parameterOrder)

	rowCount := len(posFields) / 3
	if tupleRows := len(tupleFields) / width; tupleRows < rowCount {
		rowCount = tupleRows
	}

	rows := make([]coverageRow, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		lat, latErr := strconv.ParseFloat(posFields[i*3], 64)
		lon, lonErr := strconv.ParseFloat(posFields[i*3+1], 64)
		epoch, epochErr := strconv.ParseInt(posFields[i*3+2], 10, 64)
		if latErr != nil || lonErr != nil || epochErr != nil {
			continue
		}

		values := make([]float64, width)
		for j := 0; j < width; j++ {
			v, err := strconv.ParseFloat(tupleFields[i*width+j], 64)
			if err != nil {
				v = math.NaN() // unparsable token counts as absent
			}
			values[j] = v
		}
		rows = append(rows, coverageRow{lat: lat, lon: lon, epoch: epoch, values: values})
	}
	return rows, nil
}

// newestValidRow scans from most recent to oldest and returns the first
// row that carries at least one real value.
func newestValidRow(rows []coverageRow) (coverageRow, bool) {
	for i := len(rows) - 1; i >= 0; i-- {
		for _, v := range rows[i].values {
			if !math.IsNaN(v) {
				return rows[i], true
			}
		}
	}
	return coverageRow{}, false
}

func buildObservation(name string, row coverageRow) database.BuoyObservation {
	b := database.BuoyObservation{
		Timestamp: row.epoch,
		Station:   name,
		Lon:       row.lon,
		Lat:       row.lat,
	}
	set := func(idx int, value *float64, valid *bool) {
		if idx < len(row.values) && !math.IsNaN(row.values[idx]) {
			*value, *valid = row.values[idx], true
		}
	}
	set(0, &b.WaveHeight, &b.WaveHeightValid)
	set(1, &b.WaveDirection, &b.WaveDirectionValid)
	set(2, &b.WavePeriod, &b.WavePeriodValid)
	set(3, &b.WaterTemp, &b.WaterTempValid)
	set(4, &b.MaxWaveHeight, &b.MaxWaveHeightValid)
	return b
}

func parsePos(pos string) (lat, lon float64, ok bool) {
	fields := strings.Fields(pos)
	if len(fields) < 2 {
		return 0, 0, false
	}
	lat, latErr := strconv.ParseFloat(fields[0], 64)
	lon, lonErr := strconv.ParseFloat(fields[1], 64)
	return lat, lon, latErr == nil && lonErr == nil
}

// coordKey rounds to ~10 m so the sampling-feature points and the
// coverage rows agree even when their printed precision differs.
func coordKey(lat, lon float64) string {
	return fmt.Sprintf("%.4f:%.4f", lat, lon)
}
