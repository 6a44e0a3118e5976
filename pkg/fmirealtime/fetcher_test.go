package fmirealtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"baltic-marine-map/pkg/database"
)

// coveragePayload builds a minimal WFS reply with one observation
// member.  points maps station name to "lat lon"; an empty name still
// registers the point without a label.
func coveragePayload(points map[string]string, positions, tuples string) []byte {
	pointsXML := ""
	i := 0
	for name, pos := range points {
		i++
		nameXML := ""
		if name != "" {
			nameXML = fmt.Sprintf("<gml:name>%s</gml:name>", name)
		}
		pointsXML += fmt.Sprintf(`<gml:Point gml:id="p-%d">%s<gml:pos>%s</gml:pos></gml:Point>`, i, nameXML, pos)
	}
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0"
  xmlns:gml="http://www.opengis.net/gml/3.2"
  xmlns:omso="http://inspire.ec.europa.eu/schemas/omso/3.0"
  xmlns:om="http://www.opengis.net/om/2.0"
  xmlns:sams="http://www.opengis.net/samplingSpatial/2.0"
  xmlns:gmlcov="http://www.opengis.net/gmlcov/1.0">
 <wfs:member>
  <omso:GridSeriesObservation gml:id="WP-1">
   <om:featureOfInterest>
    <sams:SF_SpatialSamplingFeature gml:id="fi-1">
     <sams:shape>
      <gml:MultiPoint gml:id="mp-1">
       <gml:pointMembers>%s</gml:pointMembers>
      </gml:MultiPoint>
     </sams:shape>
    </sams:SF_SpatialSamplingFeature>
   </om:featureOfInterest>
   <om:result>
    <gmlcov:MultiPointCoverage gml:id="mpcv-1">
     <gml:domainSet>
      <gmlcov:SimpleMultiPoint gml:id="smp-1" srsDimension="3">
       <gmlcov:positions>%s</gmlcov:positions>
      </gmlcov:SimpleMultiPoint>
     </gml:domainSet>
     <gml:rangeSet>
      <gml:DataBlock>
       <gml:doubleOrNilReasonTupleList>%s</gml:doubleOrNilReasonTupleList>
      </gml:DataBlock>
     </gml:rangeSet>
    </gmlcov:MultiPointCoverage>
   </om:result>
  </omso:GridSeriesObservation>
 </wfs:member>
</wfs:FeatureCollection>`, pointsXML, positions, tuples))
}

func TestParseCoverageSelectsNewestValidRow(t *testing.T) {
	payload := coveragePayload(
		map[string]string{"Perämeri": "65.0000 24.0000"},
		`65.0000 24.0000 1756290000
		 65.0000 24.0000 1756293600`,
		`1.2 180 5.0 12.3 0
		 NaN NaN NaN NaN NaN`,
	)
	obs, err := parseCoverage(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("unexpected observation count: %d", len(obs))
	}
	b := obs[0]
	if b.Station != "Perämeri" {
		t.Fatalf("unexpected station: %q", b.Station)
	}
	// The newest row is entirely NaN, so the older valid row wins.
	if b.Timestamp != 1756290000 {
		t.Fatalf("all-NaN row selected: timestamp %d", b.Timestamp)
	}
	if !b.WaveHeightValid || b.WaveHeight != 1.2 {
		t.Fatalf("wave height lost: %+v", b)
	}
	if !b.MaxWaveHeightValid || b.MaxWaveHeight != 0 {
		t.Fatalf("zero is a real value and must stay valid: %+v", b)
	}
}

func TestParseCoverageUniqueKeysPerStation(t *testing.T) {
	payload := coveragePayload(
		map[string]string{
			"Selkämeri":       "61.8000 20.2000",
			"Pohjois-Itämeri": "59.2500 21.0000",
			"Suomenlahti":     "59.9600 25.2400",
		},
		`61.8000 20.2000 1756290000
		 59.2500 21.0000 1756290000
		 59.9600 25.2400 1756290000`,
		`0.8 200 4.2 14.1 1.1
		 1.6 150 6.0 13.0 2.4
		 0.5 90 3.1 15.5 0.9`,
	)
	obs, err := parseCoverage(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("expected 3 stations, got %d", len(obs))
	}
	seen := make(map[string]bool)
	for _, b := range obs {
		if seen[b.Station] {
			t.Fatalf("duplicate station key %q", b.Station)
		}
		seen[b.Station] = true
	}
}

func TestParseCoveragePlaceholderName(t *testing.T) {
	payload := coveragePayload(
		map[string]string{"": "60.1000 24.9000"},
		`60.1000 24.9000 1756290000`,
		`1.0 100 4.0 12.0 1.5`,
	)
	obs, err := parseCoverage(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("unexpected observation count: %d", len(obs))
	}
	if obs[0].Station != "Buoy 1" {
		t.Fatalf("expected placeholder label, got %q", obs[0].Station)
	}
}

func TestParseCoverageSkipsStationWithoutValues(t *testing.T) {
	payload := coveragePayload(
		map[string]string{"Dead": "58.9000 20.0000", "Live": "59.5000 22.0000"},
		`58.9000 20.0000 1756290000
		 59.5000 22.0000 1756290000`,
		`NaN NaN NaN NaN NaN
		 0.7 120 4.4 13.7 1.0`,
	)
	obs, err := parseCoverage(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(obs) != 1 || obs[0].Station != "Live" {
		t.Fatalf("all-NaN station must be skipped: %+v", obs)
	}
}

func TestParseCoveragePartialRow(t *testing.T) {
	// A row with some NaN fields is selectable; the NaN fields stay
	// absent in the observation.
	payload := coveragePayload(
		map[string]string{"Partial": "60.0000 21.0000"},
		`60.0000 21.0000 1756290000`,
		`NaN 180 NaN 11.9 NaN`,
	)
	obs, err := parseCoverage(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("unexpected observation count: %d", len(obs))
	}
	b := obs[0]
	if b.WaveHeightValid || b.WavePeriodValid || b.MaxWaveHeightValid {
		t.Fatalf("NaN fields must stay absent: %+v", b)
	}
	if !b.WaveDirectionValid || !b.WaterTempValid {
		t.Fatalf("real fields lost: %+v", b)
	}
}

func TestFetchErrorSkipsPublish(t *testing.T) {
	published := make(chan int, 16)
	p := NewPoller(Config{
		Interval: 5 * time.Millisecond,
		Logf:     func(string, ...any) {},
	}, nil, func(records []database.BuoyObservation) {
		published <- len(records)
	})

	succeed := make(chan struct{})
	p.fetch = func(context.Context) ([]database.BuoyObservation, error) {
		select {
		case <-succeed:
			return []database.BuoyObservation{{Station: "Suomenlahti", Lon: 25.2, Lat: 59.96}}, nil
		default:
			return nil, errors.New("wfs 502")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	// Failing cycles must not touch the board; the previous snapshot
	// stays visible because publish is never called.
	select {
	case n := <-published:
		t.Fatalf("failed cycle published %d records", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(succeed)
	select {
	case n := <-published:
		if n != 1 {
			t.Fatalf("recovered cycle published %d records, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("recovered cycle never published")
	}
}

func TestSupersededCycleDiscardsPayload(t *testing.T) {
	published := make(chan string, 16)
	p := NewPoller(Config{
		Interval: 5 * time.Millisecond,
		Logf:     func(string, ...any) {},
	}, nil, func(records []database.BuoyObservation) {
		if len(records) > 0 {
			published <- records[0].Station
		}
	})

	// The first fetch blocks until its loop is cancelled and only then
	// returns a payload; every later fetch belongs to the new loop.
	// The supervisor waits for the old loop to finish before arming the
	// next, so the plain counter is never touched concurrently.
	fetchStarted := make(chan struct{})
	calls := 0
	p.fetch = func(ctx context.Context) ([]database.BuoyObservation, error) {
		calls++
		if calls == 1 {
			close(fetchStarted)
			<-ctx.Done()
			return []database.BuoyObservation{{Station: "STALE", Lon: 20.0, Lat: 61.8}}, nil
		}
		return []database.BuoyObservation{{Station: "FRESH", Lon: 21.0, Lat: 59.25}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	<-fetchStarted
	p.Start(ctx) // supersede the loop while its fetch is in flight

	select {
	case station := <-published:
		if station != "FRESH" {
			t.Fatalf("superseded cycle leaked its payload: %q", station)
		}
	case <-time.After(time.Second):
		t.Fatal("new loop never published")
	}

	// A late STALE publish would arrive shortly after; make sure it
	// never does.
	select {
	case station := <-published:
		if station == "STALE" {
			t.Fatal("cancelled cycle overwrote newer state")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartTwiceKeepsSingleLoop(t *testing.T) {
	p := NewPoller(Config{
		Interval: 5 * time.Millisecond,
		Logf:     func(string, ...any) {},
	}, nil, nil)
	p.fetch = func(context.Context) ([]database.BuoyObservation, error) {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	p.Start(ctx)
	if got := p.ActiveLoops(); got != 1 {
		t.Fatalf("expected exactly one active loop after double start, got %d", got)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for p.ActiveLoops() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not stop after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
