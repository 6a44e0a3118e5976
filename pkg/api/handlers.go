package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"baltic-marine-map/pkg/database"
	"baltic-marine-map/pkg/liveview"
	"baltic-marine-map/pkg/locode"
	"baltic-marine-map/pkg/sharelink"
)

// =======================
// Public API entry points
// =======================

// Handler wires the live board, the track registry and the archive
// together so HTTP routes stay small and focused on translating query
// parameters into the asynchronous building blocks behind the scenes.
type Handler struct {
	DB     *database.Database
	Board  *liveview.Board
	Tracks *liveview.TrackRegistry
	Cache  *ResponseCache
	Limit  *RateLimiter
	Logf   func(string, ...any)
}

// NewHandler constructs a Handler. Cache, Limit and Logf are optional;
// pass nil to disable them.
func NewHandler(db *database.Database, board *liveview.Board, tracks *liveview.TrackRegistry, cache *ResponseCache, limit *RateLimiter, logf func(string, ...any)) *Handler {
	return &Handler{DB: db, Board: board, Tracks: tracks, Cache: cache, Limit: limit, Logf: logf}
}

// Register attaches API routes to the provided mux. We keep the method
// tiny and declarative: it simply wires URLs to helpers, avoiding
// clever routing that could obscure how pages are served.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/vessels", h.handleVessels)
	mux.HandleFunc("/api/buoys", h.handleBuoys)
	mux.HandleFunc("/api/tracks", h.handleTracksList)
	mux.HandleFunc("/api/tracks/", h.handleTrackToggle)
	mux.HandleFunc("/api/history/", h.handleHistory)
	mux.HandleFunc("/api/summaries", h.handleSummaries)
	mux.HandleFunc("/api/locode", h.handleLocode)
	mux.HandleFunc("/api/share/qr", h.handleShareQR)
}

// handleOverview publishes machine-readable docs so developers
// understand which endpoints to call.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalPositions, err := h.DB.CountVesselPositions(ctx)
	if err != nil {
		http.Error(w, "count positions", http.StatusInternalServerError)
		return
	}

	overview := struct {
		Attribution    map[string]string `json:"attribution"`
		Endpoints      map[string]any    `json:"endpoints"`
		TotalPositions int64             `json:"totalPositions"`
	}{
		Attribution:    attributionTexts,
		TotalPositions: totalPositions,
		Endpoints: map[string]any{
			"vessels": map[string]any{
				"method":      "GET",
				"path":        "/api/vessels",
				"description": "Current vessel markers. Entries persist for the whole session; stale ones carry stale=true.",
			},
			"buoys": map[string]any{
				"method":      "GET",
				"path":        "/api/buoys",
				"description": "Latest wave buoy observations. Fields without a valid value are omitted.",
			},
			"toggleTrack": map[string]any{
				"method":      "POST",
				"path":        "/api/tracks/{mmsi}/toggle",
				"query":       []string{"color"},
				"description": "Shows the vessel's 24 h track if hidden, hides it if shown.",
			},
			"history": map[string]any{
				"method":      "GET",
				"path":        "/api/history/{mmsi}",
				"query":       []string{"hours"},
				"description": "Archived positions for one vessel, ascending by timestamp.",
			},
			"summaries": map[string]any{
				"method":      "GET",
				"path":        "/api/summaries",
				"query":       []string{"limit"},
				"description": "Recent collection cycles with vessel counts and durations.",
			},
			"locode": map[string]any{
				"method":      "GET",
				"path":        "/api/locode",
				"query":       []string{"q", "limit"},
				"description": "UN/LOCODE port lookup by code or name prefix.",
			},
		},
	}

	h.respondJSON(w, overview)
}

// handleVessels returns the live vessel board.
func (h *Handler) handleVessels(w http.ResponseWriter, r *http.Request) {
	permit, err := h.acquire(r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	h.respondJSON(w, h.Board.Vessels())
}

// handleBuoys returns the live buoy board.
func (h *Handler) handleBuoys(w http.ResponseWriter, r *http.Request) {
	permit, err := h.acquire(r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	h.respondJSON(w, h.Board.Buoys())
}

// handleTracksList lists the overlays currently shown.
func (h *Handler) handleTracksList(w http.ResponseWriter, r *http.Request) {
	overlays := h.Tracks.Active()
	h.respondJSON(w, struct {
		Count  int                `json:"count"`
		Tracks []liveview.Overlay `json:"tracks"`
	}{Count: len(overlays), Tracks: overlays})
}

// handleTrackToggle flips a vessel track overlay. The path is
// /api/tracks/{mmsi}/toggle; anything else under /api/tracks/ is 404.
func (h *Handler) handleTrackToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tracks/")
	mmsiText, action, ok := strings.Cut(rest, "/")
	if !ok || action != "toggle" {
		http.NotFound(w, r)
		return
	}
	mmsi, err := strconv.ParseInt(mmsiText, 10, 64)
	if err != nil || mmsi <= 0 {
		http.Error(w, "bad MMSI", http.StatusBadRequest)
		return
	}

	permit, err := h.acquire(r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	color := r.URL.Query().Get("color")
	if color == "" {
		color = trackColor(mmsi)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result, err := h.Tracks.Toggle(ctx, mmsi, color)
	if err != nil {
		http.Error(w, "track unavailable", http.StatusNotFound)
		if h.Logf != nil {
			h.Logf("track toggle MMSI %d: %v", mmsi, err)
		}
		return
	}
	h.respondJSON(w, result)
}

// handleHistory serves archived positions for one vessel.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	mmsiText := strings.TrimPrefix(r.URL.Path, "/api/history/")
	mmsi, err := strconv.ParseInt(mmsiText, 10, 64)
	if err != nil || mmsi <= 0 {
		http.Error(w, "bad MMSI", http.StatusBadRequest)
		return
	}

	permit, err := h.acquire(r, RequestHeavy)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	hours := clampInt(parseIntDefault(r.URL.Query().Get("hours"), 24), 1, 7*24)
	from := time.Now().Add(-time.Duration(hours) * time.Hour)

	key := "history:" + mmsiText + ":" + strconv.Itoa(hours)
	payload, err := h.cached(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		points, err := h.DB.VesselTrackSince(ctx, mmsi, from.Unix())
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			MMSI   int64                 `json:"mmsi"`
			Hours  int                   `json:"hours"`
			Count  int                   `json:"count"`
			Points []database.TrackPoint `json:"points"`
		}{MMSI: mmsi, Hours: hours, Count: len(points), Points: points})
	})
	if err != nil {
		http.Error(w, "history error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("history MMSI %d: %v", mmsi, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// handleSummaries exposes recent collection cycle stats.
func (h *Handler) handleSummaries(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntDefault(r.URL.Query().Get("limit"), 50), 1, 500)

	key := "summaries:" + strconv.Itoa(limit)
	payload, err := h.cached(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		summaries, err := h.DB.LatestCollectionSummaries(ctx, limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Count     int                          `json:"count"`
			Summaries []database.CollectionSummary `json:"summaries"`
		}{Count: len(summaries), Summaries: summaries})
	})
	if err != nil {
		http.Error(w, "summaries error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// handleLocode answers UN/LOCODE lookups for the port search box.
// "code" does an exact lookup, "q" a prefix search.
func (h *Handler) handleLocode(w http.ResponseWriter, r *http.Request) {
	if code := strings.TrimSpace(r.URL.Query().Get("code")); code != "" {
		loc, ok := locode.Lookup(code)
		if !ok {
			http.Error(w, "unknown locode", http.StatusNotFound)
			return
		}
		h.respondJSON(w, loc)
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "missing q", http.StatusBadRequest)
		return
	}
	limit := clampInt(parseIntDefault(r.URL.Query().Get("limit"), 10), 1, 50)

	matches := locode.Search(q, limit)
	h.respondJSON(w, struct {
		Query   string            `json:"query"`
		Count   int               `json:"count"`
		Matches []locode.Location `json:"matches"`
	}{Query: q, Count: len(matches), Matches: matches})
}

// handleShareQR renders a QR code PNG for the requested map view.
func (h *Handler) handleShareQR(w http.ResponseWriter, r *http.Request) {
	permit, err := h.acquire(r, RequestHeavy)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	q := r.URL.Query()
	view := sharelink.View{
		Lat:  parseFloatDefault(q.Get("lat"), 0),
		Lon:  parseFloatDefault(q.Get("lon"), 0),
		Zoom: parseFloatDefault(q.Get("zoom"), 0),
		MMSI: parseInt64Default(q.Get("mmsi"), 0),
	}

	png, err := sharelink.QRCodePNG(baseURL(r), view)
	if err != nil {
		http.Error(w, "qr error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("share qr: %v", err)
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// =====================
// Utility helpers
// =====================

// acquire reserves a rate limiter slot keyed by client IP. A nil
// limiter yields a nil permit, which Release handles.
func (h *Handler) acquire(r *http.Request, kind RequestKind) (*Permit, error) {
	if h.Limit == nil {
		return nil, nil
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return h.Limit.Acquire(r.Context(), ip, kind)
}

// cached runs loader through the response cache when one is configured.
func (h *Handler) cached(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if h.Cache == nil {
		return loader(ctx)
	}
	return h.Cache.Get(ctx, key, loader)
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// baseURL reconstructs the externally visible origin of the request so
// share links point back at the same host the page was loaded from.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// trackColor picks a stable palette entry per vessel so toggling the
// same track always yields the same color.
func trackColor(mmsi int64) string {
	palette := []string{"#e76f51", "#2a9d8f", "#e9c46a", "#264653", "#f4a261", "#8ab17d"}
	return palette[mmsi%int64(len(palette))]
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseInt64Default(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseFloatDefault(v string, def float64) float64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

var attributionTexts = map[string]string{
	"ais":  "Vessel positions: Fintraffic / digitraffic.fi, CC BY 4.0.",
	"wave": "Wave observations: Finnish Meteorological Institute open data, CC BY 4.0.",
}
