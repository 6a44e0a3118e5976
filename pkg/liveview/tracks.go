package liveview

import (
	"context"
	"fmt"
	"sort"
	"time"

	"baltic-marine-map/pkg/database"
)

// TrackFetcher loads the historical positions for one vessel.  The
// server wires this to the archive with a live fallback; tests inject
// their own.
type TrackFetcher func(ctx context.Context, mmsi int64, from time.Time) ([]database.TrackPoint, error)

// Overlay is one visible track: a GeoJSON source plus its line and
// point layers.  The page removes exactly LayerIDs and SourceID when
// the track is toggled off, so nothing can be left behind.
type Overlay struct {
	MMSI     int64                 `json:"mmsi"`
	Color    string                `json:"color"`
	SourceID string                `json:"sourceId"`
	LayerIDs []string              `json:"layerIds"`
	Points   []database.TrackPoint `json:"points"`
}

// ToggleState tells the caller what the toggle did.
type ToggleState string

const (
	// TrackVisible: the track was fetched and is now shown.
	TrackVisible ToggleState = "visible"
	// TrackHidden: the track was shown and has been removed.
	TrackHidden ToggleState = "hidden"
	// TrackPending: a fetch for this vessel is already in flight;
	// no second fetch was started.
	TrackPending ToggleState = "pending"
)

// ToggleResult is returned from TrackRegistry.Toggle.
type ToggleResult struct {
	State   ToggleState `json:"state"`
	Overlay *Overlay    `json:"overlay,omitempty"`
}

type toggleRequest struct {
	mmsi  int64
	color string
	ctx   context.Context
	reply chan toggleReply
}

type toggleReply struct {
	result ToggleResult
	err    error
}

type fetchDone struct {
	mmsi    int64
	overlay *Overlay
	err     error
}

type activeRequest struct {
	reply chan []Overlay
}

// TrackRegistry owns the set of visible track overlays.  Toggles for
// the same vessel are serialised through the registry goroutine: while
// a fetch is in flight further toggles for that vessel answer
// TrackPending instead of starting a second fetch, so a double click
// can never create two overlapping overlays.
type TrackRegistry struct {
	fetch    TrackFetcher
	lookback time.Duration
	now      func() time.Time

	toggles chan toggleRequest
	done    chan fetchDone
	actives chan activeRequest
	quit    chan struct{}
}

// NewTrackRegistry starts the registry goroutine.  lookback bounds how
// far back the fetched track reaches; zero means 24 hours.
func NewTrackRegistry(fetch TrackFetcher, lookback time.Duration) *TrackRegistry {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	r := &TrackRegistry{
		fetch:    fetch,
		lookback: lookback,
		now:      time.Now,
		toggles:  make(chan toggleRequest),
		done:     make(chan fetchDone),
		actives:  make(chan activeRequest),
		quit:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Close stops the registry goroutine.
func (r *TrackRegistry) Close() {
	select {
	case <-r.quit:
		return
	default:
	}
	close(r.quit)
}

// Toggle shows the vessel's track if hidden and hides it if shown.
// The call that starts a fetch blocks until the track is ready, so the
// caller can render it immediately; concurrent calls during the fetch
// return TrackPending right away.
func (r *TrackRegistry) Toggle(ctx context.Context, mmsi int64, color string) (ToggleResult, error) {
	reply := make(chan toggleReply, 1)
	select {
	case <-r.quit:
		return ToggleResult{}, fmt.Errorf("track registry closed")
	case <-ctx.Done():
		return ToggleResult{}, ctx.Err()
	case r.toggles <- toggleRequest{mmsi: mmsi, color: color, ctx: ctx, reply: reply}:
	}
	select {
	case <-ctx.Done():
		return ToggleResult{}, ctx.Err()
	case <-r.quit:
		// The registry goroutine is gone and will never answer; do not
		// strand callers with long-lived contexts.
		return ToggleResult{}, fmt.Errorf("track registry closed")
	case out := <-reply:
		return out.result, out.err
	}
}

// Active lists the currently visible overlays.
func (r *TrackRegistry) Active() []Overlay {
	reply := make(chan []Overlay, 1)
	select {
	case <-r.quit:
		return nil
	case r.actives <- activeRequest{reply: reply}:
	}
	return <-reply
}

func (r *TrackRegistry) loop() {
	visible := make(map[int64]*Overlay)
	// pending holds the reply channel of the toggle that started the
	// fetch; its presence is what blocks a second fetch for the key.
	pending := make(map[int64]chan toggleReply)

	for {
		select {
		case <-r.quit:
			return

		case req := <-r.toggles:
			if _, ok := visible[req.mmsi]; ok {
				delete(visible, req.mmsi)
				req.reply <- toggleReply{result: ToggleResult{State: TrackHidden}}
				continue
			}
			if _, ok := pending[req.mmsi]; ok {
				req.reply <- toggleReply{result: ToggleResult{State: TrackPending}}
				continue
			}
			pending[req.mmsi] = req.reply
			go r.load(req.ctx, req.mmsi, req.color)

		case out := <-r.done:
			reply := pending[out.mmsi]
			delete(pending, out.mmsi)
			if out.err != nil {
				reply <- toggleReply{err: out.err}
				continue
			}
			visible[out.mmsi] = out.overlay
			reply <- toggleReply{result: ToggleResult{State: TrackVisible, Overlay: out.overlay}}

		case req := <-r.actives:
			out := make([]Overlay, 0, len(visible))
			for _, overlay := range visible {
				out = append(out, *overlay)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].MMSI < out[j].MMSI })
			req.reply <- out
		}
	}
}

// load runs outside the registry goroutine so a slow fetch never
// blocks toggles for other vessels.
func (r *TrackRegistry) load(ctx context.Context, mmsi int64, color string) {
	from := r.now().Add(-r.lookback)
	points, err := r.fetch(ctx, mmsi, from)
	if err != nil {
		r.finish(fetchDone{mmsi: mmsi, err: err})
		return
	}
	if len(points) == 0 {
		r.finish(fetchDone{mmsi: mmsi, err: fmt.Errorf("no positions for MMSI %d in the last %s", mmsi, r.lookback)})
		return
	}
	// Sort ascending by timestamp.  A point with no timestamp keeps
	// the zero value and therefore sorts first.
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })

	sourceID := fmt.Sprintf("track-%d", mmsi)
	r.finish(fetchDone{mmsi: mmsi, overlay: &Overlay{
		MMSI:     mmsi,
		Color:    color,
		SourceID: sourceID,
		LayerIDs: []string{sourceID + "-line", sourceID + "-points"},
		Points:   points,
	}})
}

func (r *TrackRegistry) finish(out fetchDone) {
	select {
	case <-r.quit:
	case r.done <- out:
	}
}
