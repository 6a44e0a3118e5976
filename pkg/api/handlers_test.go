package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"baltic-marine-map/pkg/database"
	"baltic-marine-map/pkg/liveview"
)

func testMux(t *testing.T, fetch liveview.TrackFetcher) (*http.ServeMux, *liveview.Board, *liveview.TrackRegistry) {
	t.Helper()
	board := liveview.NewBoard()
	t.Cleanup(board.Close)
	tracks := liveview.NewTrackRegistry(fetch, time.Hour)
	t.Cleanup(tracks.Close)

	h := NewHandler(nil, board, tracks, nil, nil, t.Logf)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, board, tracks
}

func TestHandleVessels(t *testing.T) {
	mux, board, _ := testMux(t, nil)

	pos := database.VesselPosition{MMSI: 230123456, Name: "AURORA", Lon: 24.9, Lat: 60.1, Timestamp: 100}
	pos.Sog, pos.SogValid = 11.2, true
	board.PublishVessels([]database.VesselPosition{pos})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vessels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var snap struct {
		Count   int `json:"count"`
		Vessels []map[string]any
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Count != 1 {
		t.Fatalf("expected 1 vessel, got %d", snap.Count)
	}
	if _, ok := snap.Vessels[0]["sog"]; !ok {
		t.Fatal("valid sog must be present in JSON")
	}
	if _, ok := snap.Vessels[0]["heading"]; ok {
		t.Fatal("absent heading must be omitted from JSON")
	}
}

func TestHandleTrackToggleRoundTrip(t *testing.T) {
	fetch := func(ctx context.Context, mmsi int64, from time.Time) ([]database.TrackPoint, error) {
		return []database.TrackPoint{{Timestamp: 1, Lon: 24.0, Lat: 60.0}}, nil
	}
	mux, _, tracks := testMux(t, fetch)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tracks/230123456/toggle", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle on: status %d body %s", rec.Code, rec.Body.String())
	}
	var on liveview.ToggleResult
	if err := json.Unmarshal(rec.Body.Bytes(), &on); err != nil {
		t.Fatal(err)
	}
	if on.State != liveview.TrackVisible {
		t.Fatalf("expected visible, got %s", on.State)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tracks/230123456/toggle", nil))
	var off liveview.ToggleResult
	if err := json.Unmarshal(rec.Body.Bytes(), &off); err != nil {
		t.Fatal(err)
	}
	if off.State != liveview.TrackHidden {
		t.Fatalf("expected hidden, got %s", off.State)
	}
	if got := len(tracks.Active()); got != 0 {
		t.Fatalf("expected no overlays after hide, got %d", got)
	}
}

func TestHandleTrackToggleBadPaths(t *testing.T) {
	mux, _, _ := testMux(t, nil)

	for _, path := range []string{"/api/tracks/abc/toggle", "/api/tracks/123"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code == http.StatusOK {
			t.Fatalf("%s must not succeed", path)
		}
	}
}

func TestHandleTrackTogglePostOnly(t *testing.T) {
	fetch := func(ctx context.Context, mmsi int64, from time.Time) ([]database.TrackPoint, error) {
		return []database.TrackPoint{{Timestamp: 1, Lon: 24.0, Lat: 60.0}}, nil
	}
	mux, _, tracks := testMux(t, fetch)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tracks/230123456/toggle", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET toggle must be a 405, got %d", rec.Code)
	}
	if got := len(tracks.Active()); got != 0 {
		t.Fatalf("rejected request must not toggle anything, got %d overlays", got)
	}
}

func TestHandleLocode(t *testing.T) {
	mux, _, _ := testMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/locode?q=FIHEL", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Count   int
		Matches []struct{ Name string }
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Matches[0].Name != "Helsinki" {
		t.Fatalf("unexpected locode result: %+v", resp)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/locode?code=FIHEL", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("exact code lookup failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/locode", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q must be a 400, got %d", rec.Code)
	}
}

func TestHandleShareQR(t *testing.T) {
	mux, _, _ := testMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/share/qr?lat=60.17&lon=24.94&zoom=9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type %q", got)
	}
	body := rec.Body.Bytes()
	if len(body) < 8 || body[1] != 'P' || body[2] != 'N' || body[3] != 'G' {
		t.Fatal("response is not a PNG")
	}
}
