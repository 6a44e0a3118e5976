// Package liveview holds the session-scoped live state of the map: the
// marker board (one entry per vessel or buoy, updated in place on every
// refresh) and the track overlay registry.  All state is owned by
// dedicated goroutines and driven over channels so concurrent HTTP
// handlers and pollers never need a mutex.
package liveview

import (
	"fmt"
	"strconv"
	"time"

	"baltic-marine-map/pkg/database"
)

// VesselMarker is one board entry for a vessel.  FirstSeen survives
// refreshes because the entry is mutated in place, never recreated.
type VesselMarker struct {
	database.VesselPosition
	FirstSeen int64 `json:"firstSeen"`
	UpdatedAt int64 `json:"updatedAt"`
	// Stale marks entries missing from the latest snapshot.  They are
	// kept on the board for the rest of the session; the flag lets the
	// page grey them out.
	Stale bool `json:"stale,omitempty"`
}

// MarshalJSON extends the position's conditional encoding with the
// board bookkeeping fields.  Without this the embedded marshaler would
// be promoted and the marker fields silently dropped.
func (m VesselMarker) MarshalJSON() ([]byte, error) {
	return appendMarkerFields(m.VesselPosition, m.FirstSeen, m.UpdatedAt, m.Stale)
}

// BuoyMarker is one board entry for a wave buoy.
type BuoyMarker struct {
	database.BuoyObservation
	FirstSeen int64 `json:"firstSeen"`
	UpdatedAt int64 `json:"updatedAt"`
	Stale     bool  `json:"stale,omitempty"`
}

func (m BuoyMarker) MarshalJSON() ([]byte, error) {
	return appendMarkerFields(m.BuoyObservation, m.FirstSeen, m.UpdatedAt, m.Stale)
}

// appendMarkerFields splices firstSeen, updatedAt and stale into the
// record's own JSON object.
func appendMarkerFields(record interface{ MarshalJSON() ([]byte, error) }, firstSeen, updatedAt int64, stale bool) ([]byte, error) {
	buf, err := record.MarshalJSON()
	if err != nil {
		return nil, err
	}
	buf = buf[:len(buf)-1]
	buf = append(buf, fmt.Sprintf(`,"firstSeen":%d,"updatedAt":%d`, firstSeen, updatedAt)...)
	if stale {
		buf = append(buf, `,"stale":true`...)
	}
	return append(buf, '}'), nil
}

// VesselSnapshot is the board state handed to the API.
type VesselSnapshot struct {
	UpdatedAt int64          `json:"updatedAt"` // last successful publish
	Count     int            `json:"count"`
	Vessels   []VesselMarker `json:"vessels"`
}

// BuoySnapshot mirrors VesselSnapshot for buoys.
type BuoySnapshot struct {
	UpdatedAt int64        `json:"updatedAt"`
	Count     int          `json:"count"`
	Buoys     []BuoyMarker `json:"buoys"`
}

type boardRequest struct {
	vessels []database.VesselPosition
	buoys   []database.BuoyObservation
	op      boardOp

	vesselReply chan VesselSnapshot
	buoyReply   chan BuoySnapshot
}

type boardOp int

const (
	opPublishVessels boardOp = iota
	opPublishBuoys
	opSnapshotVessels
	opSnapshotBuoys
)

// Board keeps the live marker registries.  Construct one per server
// session with NewBoard and share it between pollers and handlers.
type Board struct {
	requests chan boardRequest
	quit     chan struct{}
	now      func() time.Time
}

// NewBoard starts the owning goroutine immediately.
func NewBoard() *Board {
	b := &Board{
		requests: make(chan boardRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go b.loop()
	return b
}

// Close stops the board goroutine.  Safe to call twice.
func (b *Board) Close() {
	select {
	case <-b.quit:
		return
	default:
	}
	close(b.quit)
}

// PublishVessels replaces the vessel snapshot: present keys update in
// place, new keys are inserted, keys absent from the snapshot stay on
// the board marked stale.
func (b *Board) PublishVessels(records []database.VesselPosition) {
	select {
	case <-b.quit:
	case b.requests <- boardRequest{op: opPublishVessels, vessels: records}:
	}
}

// PublishBuoys does the same for buoy observations.
func (b *Board) PublishBuoys(records []database.BuoyObservation) {
	select {
	case <-b.quit:
	case b.requests <- boardRequest{op: opPublishBuoys, buoys: records}:
	}
}

// Vessels returns the current board state in marker creation order.
func (b *Board) Vessels() VesselSnapshot {
	reply := make(chan VesselSnapshot, 1)
	select {
	case <-b.quit:
		return VesselSnapshot{}
	case b.requests <- boardRequest{op: opSnapshotVessels, vesselReply: reply}:
	}
	return <-reply
}

// Buoys returns the current buoy board state.
func (b *Board) Buoys() BuoySnapshot {
	reply := make(chan BuoySnapshot, 1)
	select {
	case <-b.quit:
		return BuoySnapshot{}
	case b.requests <- boardRequest{op: opSnapshotBuoys, buoyReply: reply}:
	}
	return <-reply
}

// loop serialises all board access inside a single goroutine.
func (b *Board) loop() {
	vessels := make(map[string]*VesselMarker)
	var vesselOrder []string
	var vesselsUpdated int64

	buoys := make(map[string]*BuoyMarker)
	var buoyOrder []string
	var buoysUpdated int64

	for {
		select {
		case <-b.quit:
			return
		case req := <-b.requests:
			switch req.op {
			case opPublishVessels:
				now := b.now().Unix()
				seen := make(map[string]bool, len(req.vessels))
				for _, rec := range req.vessels {
					key := strconv.FormatInt(rec.MMSI, 10)
					seen[key] = true
					if entry, ok := vessels[key]; ok {
						entry.VesselPosition = rec
						entry.UpdatedAt = now
						entry.Stale = false
						continue
					}
					vessels[key] = &VesselMarker{VesselPosition: rec, FirstSeen: now, UpdatedAt: now}
					vesselOrder = append(vesselOrder, key)
				}
				for key, entry := range vessels {
					if !seen[key] {
						entry.Stale = true
					}
				}
				vesselsUpdated = now

			case opPublishBuoys:
				now := b.now().Unix()
				seen := make(map[string]bool, len(req.buoys))
				for _, rec := range req.buoys {
					key := rec.Station
					seen[key] = true
					if entry, ok := buoys[key]; ok {
						entry.BuoyObservation = rec
						entry.UpdatedAt = now
						entry.Stale = false
						continue
					}
					buoys[key] = &BuoyMarker{BuoyObservation: rec, FirstSeen: now, UpdatedAt: now}
					buoyOrder = append(buoyOrder, key)
				}
				for key, entry := range buoys {
					if !seen[key] {
						entry.Stale = true
					}
				}
				buoysUpdated = now

			case opSnapshotVessels:
				out := VesselSnapshot{UpdatedAt: vesselsUpdated, Count: len(vesselOrder)}
				out.Vessels = make([]VesselMarker, 0, len(vesselOrder))
				for _, key := range vesselOrder {
					out.Vessels = append(out.Vessels, *vessels[key])
				}
				req.vesselReply <- out

			case opSnapshotBuoys:
				out := BuoySnapshot{UpdatedAt: buoysUpdated, Count: len(buoyOrder)}
				out.Buoys = make([]BuoyMarker, 0, len(buoyOrder))
				for _, key := range buoyOrder {
					out.Buoys = append(out.Buoys, *buoys[key])
				}
				req.buoyReply <- out
			}
		}
	}
}
