package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"baltic-marine-map/pkg/aisrealtime"
	"baltic-marine-map/pkg/api"
	"baltic-marine-map/pkg/database"
	"baltic-marine-map/pkg/fmirealtime"
	"baltic-marine-map/pkg/liveview"
)

// CompileVersion is stamped by the build; "dev" otherwise.
var CompileVersion = "dev"

//go:embed public_html/*
var content embed.FS

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: genji, sqlite, duckdb, or pgx (postgresql)")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for genji, sqlite drivers.)")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "BalticMarineMap", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")
var defaultLat = flag.Float64("default-lat", 60.1699, "Default map latitude")
var defaultLon = flag.Float64("default-lon", 24.9384, "Default map longitude")
var defaultZoom = flag.Int("default-zoom", 7, "Default map zoom")
var aisInterval = flag.Duration("ais-interval", 10*time.Minute, "How often to poll AIS vessel positions")
var buoyInterval = flag.Duration("buoy-interval", 30*time.Minute, "How often to poll FMI wave buoy observations")
var bbox = flag.String("bbox", "", "Collection window as minLon,minLat,maxLon,maxLat (defaults to the Baltic Sea)")
var cacheTTL = flag.Duration("cache-ttl", time.Minute, "TTL for cached archive responses, 0 disables the cache")
var heavyCooldown = flag.Duration("heavy-cooldown", 2*time.Second, "Per-IP cooldown between history and QR requests")

var db *database.Database

// withServerHeader wraps any http.Handler, adding the
// "Server: baltic-marine-map/<CompileVersion>" header.
//
// A HEAD request to "/" answers 200 OK without a body so monitoring
// can probe liveness cheaply.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "baltic-marine-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80  for ACME HTTP-01 plus a 301 redirect to https://<domain>/
//   - :443 for HTTPS with automatic Let's Encrypt certificates.
//
// If autocert cannot issue a certificate for a host or SNI the server
// still serves a previously obtained fallback certificate, which keeps
// "host not configured" out of the logs for bare-IP requests.
//
// Compatibility: TLS >= 1.0, ALPN h2/http1.1/http1.0.
// All errors are only logged.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow bare <domain> and www.<domain>.
			if host == domain || host == "www."+domain {
				return nil
			}
			// An IP address is not blocked, we just do not request a cert.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// :80 (challenge + redirect)
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// Daily certificate renewal probe.
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// :443 (HTTPS)
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	// Fallback certificate for IPs and odd SNI values.
	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443 (TLS ≥1.0, ALPN h2/http1.1/1.0)", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// parseBBox reads "minLon,minLat,maxLon,maxLat". An empty or broken
// value falls back to the Baltic window.
func parseBBox(raw string) aisrealtime.Bounds {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return aisrealtime.BalticBounds
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return aisrealtime.BalticBounds
		}
		vals[i] = v
	}
	return aisrealtime.Bounds{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
}

// =====================
// WEB  — main map page
// =====================
func mapHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	tmpl := template.Must(template.New("map.html").Funcs(template.FuncMap{
		"toJSON": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}).ParseFS(content, "public_html/map.html"))

	if CompileVersion == "dev" {
		CompileVersion = "latest"
	}

	data := struct {
		Version         string
		DefaultLat      float64
		DefaultLon      float64
		DefaultZoom     int
		VesselRefreshMs int64
		BuoyRefreshMs   int64
	}{
		Version:         CompileVersion,
		DefaultLat:      *defaultLat,
		DefaultLon:      *defaultLon,
		DefaultZoom:     *defaultZoom,
		VesselRefreshMs: aisInterval.Milliseconds(),
		BuoyRefreshMs:   buoyInterval.Milliseconds(),
	}

	// Render into a buffer so a template error never produces a half
	// written page after WriteHeader.
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		log.Printf("Error executing template: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

func main() {
	// 1. Flags and version
	flag.Parse()

	if *version {
		fmt.Printf("baltic-marine-map version %s\n", CompileVersion)
		return
	}

	// 2. Privilege warning for :80 / :443
	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	// 3. Database
	dbCfg := database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	}
	var err error
	db, err = database.NewDatabase(dbCfg)
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err = db.InitSchema(dbCfg); err != nil {
		log.Fatalf("DB schema: %v", err)
	}

	window := parseBBox(*bbox)

	// 4. Live state and pollers
	board := liveview.NewBoard()

	// Seed the buoy board from the archive so a restart shows the last
	// known readings before the first poll completes.
	if obs, err := db.LatestBuoyObservations(context.Background(), 100); err != nil {
		log.Printf("buoy board seed: %v", err)
	} else if len(obs) > 0 {
		board.PublishBuoys(obs)
	}

	vesselPoller := aisrealtime.NewPoller(aisrealtime.Config{
		Interval: *aisInterval,
		BBox:     window,
		Logf:     log.Printf,
	}, db, board.PublishVessels)

	buoyPoller := fmirealtime.NewPoller(fmirealtime.Config{
		Interval: *buoyInterval,
		Logf:     log.Printf,
	}, db, board.PublishBuoys)

	ctxPoll, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	vesselPoller.Start(ctxPoll)
	buoyPoller.Start(ctxPoll)

	// Tracks come from the archive first; a vessel the archive has not
	// seen yet falls back to the live AIS history endpoint.
	tracks := liveview.NewTrackRegistry(func(ctx context.Context, mmsi int64, from time.Time) ([]database.TrackPoint, error) {
		points, err := db.VesselTrackSince(ctx, mmsi, from.Unix())
		if err == nil && len(points) > 0 {
			return points, nil
		}
		if err != nil {
			log.Printf("archive track MMSI %d: %v, trying live history", mmsi, err)
		}
		return aisrealtime.FetchTrack(ctx, "", mmsi, from)
	}, 24*time.Hour)

	// 5. Routes and static files
	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}

	http.Handle("/static/", http.StripPrefix("/static/",
		http.FileServer(http.FS(staticFS))))
	http.HandleFunc("/", mapHandler)

	cache := api.NewResponseCache(*cacheTTL)
	limiter := api.NewRateLimiter(*heavyCooldown)
	handler := api.NewHandler(db, board, tracks, cache, limiter, log.Printf)
	handler.Register(http.DefaultServeMux)

	rootHandler := withServerHeader(http.DefaultServeMux)

	// 6. HTTP/HTTPS servers
	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
	} else {
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", addr)
			if err := http.ListenAndServe(addr, rootHandler); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// 7. Background index build without blocking startup
	ctxIdx, cancelIdx := context.WithCancel(context.Background())
	defer cancelIdx()
	log.Printf("⏳ background index build scheduled (engine=%s). Listeners are up; pages may be slower until indexes are ready.", dbCfg.DBType)
	db.EnsureIndexesAsync(ctxIdx, dbCfg, func(format string, args ...any) {
		log.Printf(format, args...)
	})

	// 8. Keep the main goroutine alive
	select {}
}
