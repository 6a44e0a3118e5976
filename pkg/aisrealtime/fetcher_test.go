package aisrealtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"baltic-marine-map/pkg/database"
)

func TestDecodeLocations(t *testing.T) {
	payload := []byte(`{"type":"FeatureCollection","features":[
{"mmsi":230111222,"type":"Feature",
 "geometry":{"type":"Point","coordinates":[24.95,60.15]},
 "properties":{"mmsi":230111222,"sog":7.2,"cog":181.5,"navStat":0,"heading":180,"posAcc":true,"timestampExternal":1756300000000}}]}`)
	fixes, err := decodeLocations(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(fixes) != 1 {
		t.Fatalf("unexpected fix count: %d", len(fixes))
	}
	f := fixes[0]
	if f.MMSI != 230111222 || f.Geometry.Coordinates[0] != 24.95 {
		t.Fatalf("unexpected fix: %+v", f)
	}
	if f.Properties.Sog == nil || *f.Properties.Sog != 7.2 {
		t.Fatalf("sog lost in decode: %+v", f.Properties)
	}
}

func TestDecodeMetadataDraughtAndName(t *testing.T) {
	payload := []byte(`[{"mmsi":230111222,"name":" AURORA ","shipType":70,"destination":"FIHEL","draught":68}]`)
	meta, err := decodeMetadata(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	m, ok := meta[230111222]
	if !ok {
		t.Fatal("expected metadata for mmsi")
	}
	if m.Name != "AURORA" {
		t.Fatalf("name not trimmed: %q", m.Name)
	}
	if !m.HasDraught || m.Draught != 6.8 {
		t.Fatalf("draught decimetres not converted: %+v", m)
	}
	if !m.HasShipType || m.ShipType != 70 {
		t.Fatalf("shipType lost: %+v", m)
	}
}

func TestDecodeETA(t *testing.T) {
	// month=8 day=28 hour=14 minute=30
	packed := int64(8<<16 | 28<<11 | 14<<6 | 30)
	if got := decodeETA(packed); got != "08-28 14:30" {
		t.Fatalf("unexpected eta: %q", got)
	}
	if got := decodeETA(0); got != "" {
		t.Fatalf("zero eta should be absent, got %q", got)
	}
}

func TestJoinSnapshotFiltersAndSentinels(t *testing.T) {
	inside := locationFeature{MMSI: 1}
	inside.Geometry.Coordinates = []float64{24.9, 60.2}
	sog := sogUnavailable
	heading := int64(headingUnavailable)
	inside.Properties.Sog = &sog
	inside.Properties.Heading = &heading
	inside.Properties.TimestampExternal = 1756300000000

	outside := locationFeature{MMSI: 2}
	outside.Geometry.Coordinates = []float64{-5.0, 50.0}

	snapshot := joinSnapshot([]locationFeature{inside, outside}, nil, BalticBounds)
	if len(snapshot) != 1 {
		t.Fatalf("bbox filter failed: %d records", len(snapshot))
	}
	p := snapshot[0]
	if p.SogValid {
		t.Fatal("sentinel sog must become absent")
	}
	if p.HeadingValid {
		t.Fatal("sentinel heading must become absent")
	}
	if p.Timestamp != 1756300000 {
		t.Fatalf("milliseconds not converted: %d", p.Timestamp)
	}
}

func TestFetchErrorSkipsPublish(t *testing.T) {
	published := make(chan int, 16)
	p := NewPoller(Config{
		Interval: 5 * time.Millisecond,
		Logf:     func(string, ...any) {},
	}, nil, func(records []database.VesselPosition) {
		published <- len(records)
	})

	succeed := make(chan struct{})
	p.fetch = func(context.Context) ([]database.VesselPosition, error) {
		select {
		case <-succeed:
			return []database.VesselPosition{{MMSI: 1, Lon: 24.9, Lat: 60.1}}, nil
		default:
			return nil, errors.New("upstream 503")
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
	}, nil, func(records []database.VesselPosition) {
		if len(records) > 0 {
			published <- records[0].Name
		}
	})

	// The first fetch blocks until its loop is cancelled and only then
	// returns a payload; every later fetch belongs to the new loop.
	// The supervisor waits for the old loop to finish before arming the
	// next, so the plain counter is never touched concurrently.
	fetchStarted := make(chan struct{})
	calls := 0
	p.fetch = func(ctx context.Context) ([]database.VesselPosition, error) {
		calls++
		if calls == 1 {
			close(fetchStarted)
			<-ctx.Done()
			return []database.VesselPosition{{MMSI: 1, Name: "STALE", Lon: 24.9, Lat: 60.1}}, nil
		}
		return []database.VesselPosition{{MMSI: 1, Name: "FRESH", Lon: 25.0, Lat: 60.2}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	<-fetchStarted
	p.Start(ctx) // supersede the loop while its fetch is in flight

	select {
	case name := <-published:
		if name != "FRESH" {
			t.Fatalf("superseded cycle leaked its payload: %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("new loop never published")
	}

	// A late STALE publish would arrive shortly after; make sure it
	// never does.
	select {
	case name := <-published:
		if name == "STALE" {
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
	p.fetch = func(context.Context) ([]database.VesselPosition, error) {
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
