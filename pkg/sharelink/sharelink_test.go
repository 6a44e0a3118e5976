package sharelink

import (
	"bytes"
	"strings"
	"testing"
)

func TestURLCarriesView(t *testing.T) {
	got := URL("https://example.org", View{Lat: 60.16985, Lon: 24.93837, Zoom: 9, MMSI: 230123456})
	for _, want := range []string{"lat=60.16985", "lon=24.93837", "zoom=9.00", "mmsi=230123456"} {
		if !strings.Contains(got, want) {
			t.Fatalf("%q missing from %q", want, got)
		}
	}
}

func TestURLEmptyView(t *testing.T) {
	got := URL("https://example.org", View{})
	if strings.Contains(got, "lat=") || strings.Contains(got, "mmsi=") {
		t.Fatalf("empty view must not add parameters: %q", got)
	}
}

func TestQRCodePNG(t *testing.T) {
	png, err := QRCodePNG("https://example.org", View{Lat: 60.1, Lon: 24.9, Zoom: 7})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("output is not a PNG")
	}
}
