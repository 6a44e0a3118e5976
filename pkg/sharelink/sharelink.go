// Package sharelink builds shareable map URLs and renders them as QR
// codes so a view on a big screen can be picked up on a phone.
package sharelink

import (
	"fmt"
	"net/url"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"
)

// View is the map state a share link restores: center, zoom and an
// optional selected vessel.
type View struct {
	Lat  float64
	Lon  float64
	Zoom float64
	MMSI int64
}

// URL renders the view as a fragment-style link on base. Zero fields
// are left out so a bare base URL stays a bare base URL.
func URL(base string, v View) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "https", Host: base}
	}
	q := url.Values{}
	if v.Lat != 0 || v.Lon != 0 {
		q.Set("lat", strconv.FormatFloat(v.Lat, 'f', 5, 64))
		q.Set("lon", strconv.FormatFloat(v.Lon, 'f', 5, 64))
	}
	if v.Zoom > 0 {
		q.Set("zoom", strconv.FormatFloat(v.Zoom, 'f', 2, 64))
	}
	if v.MMSI > 0 {
		q.Set("mmsi", strconv.FormatInt(v.MMSI, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// QRCodePNG encodes the share link as a PNG. ECC level M is plenty
// since we draw no logo over the code.
func QRCodePNG(base string, v View) ([]byte, error) {
	link := URL(base, v)
	png, err := qrcode.Encode(link, qrcode.Medium, 512)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", link, err)
	}
	return png, nil
}
