package database

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// VesselPosition is one archived AIS fix.  Optional fields carry a
// companion Valid flag because the upstream feed omits them freely and
// the JSON we publish must omit them too rather than invent zeroes.
type VesselPosition struct {
	ID        int64   `json:"id"`
	Timestamp int64   `json:"timestamp"` // UNIX seconds of the fix
	MMSI      int64   `json:"mmsi"`
	Name      string  `json:"name,omitempty"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`

	Sog           float64 `json:"-"`
	SogValid      bool    `json:"-"`
	Cog           float64 `json:"-"`
	CogValid      bool    `json:"-"`
	Heading       int64   `json:"-"`
	HeadingValid  bool    `json:"-"`
	NavStat       int64   `json:"-"`
	NavStatValid  bool    `json:"-"`
	ShipType      int64   `json:"-"`
	ShipTypeValid bool    `json:"-"`

	Destination string `json:"destination,omitempty"`
	ETA         string `json:"eta,omitempty"`

	Draught      float64 `json:"-"`
	DraughtValid bool    `json:"-"`

	PosAcc bool `json:"posAcc"`
}

// MarshalJSON emits the optional fields only when their Valid flag is
// set so API consumers can render "field present → show it" directly.
func (v VesselPosition) MarshalJSON() ([]byte, error) {
	type base VesselPosition
	buf := &bytes.Buffer{}
	raw, err := json.Marshal(base(v))
	if err != nil {
		return nil, err
	}
	buf.Write(raw[:len(raw)-1])
	appendOptFloat(buf, "sog", v.Sog, v.SogValid)
	appendOptFloat(buf, "cog", v.Cog, v.CogValid)
	appendOptInt(buf, "heading", v.Heading, v.HeadingValid)
	appendOptInt(buf, "navStat", v.NavStat, v.NavStatValid)
	appendOptInt(buf, "shipType", v.ShipType, v.ShipTypeValid)
	appendOptFloat(buf, "draught", v.Draught, v.DraughtValid)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// BuoyObservation is the representative wave reading for one station.
// Every measured field may be absent upstream (the WFS feed marks gaps
// with NaN), hence the Valid companions.
type BuoyObservation struct {
	ID        int64   `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Station   string  `json:"station"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`

	WaveHeight         float64 `json:"-"`
	WaveHeightValid    bool    `json:"-"`
	WaveDirection      float64 `json:"-"`
	WaveDirectionValid bool    `json:"-"`
	WavePeriod         float64 `json:"-"`
	WavePeriodValid    bool    `json:"-"`
	WaterTemp          float64 `json:"-"`
	WaterTempValid     bool    `json:"-"`
	MaxWaveHeight      float64 `json:"-"`
	MaxWaveHeightValid bool    `json:"-"`
}

// HasAnyValue reports whether at least one measured field survived
// parsing.  Rows without any value never represent a station.
func (b BuoyObservation) HasAnyValue() bool {
	return b.WaveHeightValid || b.WaveDirectionValid || b.WavePeriodValid ||
		b.WaterTempValid || b.MaxWaveHeightValid
}

func (b BuoyObservation) MarshalJSON() ([]byte, error) {
	type base BuoyObservation
	buf := &bytes.Buffer{}
	raw, err := json.Marshal(base(b))
	if err != nil {
		return nil, err
	}
	buf.Write(raw[:len(raw)-1])
	appendOptFloat(buf, "waveHeight", b.WaveHeight, b.WaveHeightValid)
	appendOptFloat(buf, "waveDirection", b.WaveDirection, b.WaveDirectionValid)
	appendOptFloat(buf, "wavePeriod", b.WavePeriod, b.WavePeriodValid)
	appendOptFloat(buf, "waterTemp", b.WaterTemp, b.WaterTempValid)
	appendOptFloat(buf, "maxWaveHeight", b.MaxWaveHeight, b.MaxWaveHeightValid)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CollectionSummary records one completed vessel poll cycle, mirroring
// the per-run statistics table of the standalone collection job.
type CollectionSummary struct {
	ID               int64 `json:"id"`
	Timestamp        int64 `json:"timestamp"`
	VesselCount      int   `json:"vesselCount"`
	CollectionTimeMs int64 `json:"collectionTimeMs"`
}

// TrackPoint is a single historical position inside a track window.
type TrackPoint struct {
	Timestamp int64   `json:"timestamp"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	Sog       float64 `json:"sog,omitempty"`
}

func appendOptFloat(buf *bytes.Buffer, key string, v float64, valid bool) {
	if !valid {
		return
	}
	fmt.Fprintf(buf, ",%q:%g", key, v)
}

func appendOptInt(buf *bytes.Buffer, key string, v int64, valid bool) {
	if !valid {
		return
	}
	fmt.Fprintf(buf, ",%q:%d", key, v)
}
