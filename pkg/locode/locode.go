// Package locode provides offline lookups for ISO country codes and the
// UN/LOCODE location registry.  Both tables ship embedded so lookups
// never touch the network, and both indexes are built eagerly at init
// so runtime access stays allocation free and lock free.
package locode

import (
	_ "embed"
	"sort"
	"strconv"
	"strings"
)

//go:embed data/country_codes.csv
var countryData string

//go:embed data/unlocode.csv
var locationData string

// Location is one UN/LOCODE registry entry.
type Location struct {
	Country string  `json:"country"` // ISO 3166-1 alpha-2
	Code    string  `json:"code"`    // three-letter location part
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Locode returns the canonical five-character code, e.g. "FIHEL".
func (l Location) Locode() string { return l.Country + l.Code }

var (
	countryByCode = buildCountryIndex(countryData)
	locationsByID = buildLocationIndex(locationData)
	sortedLocodes = buildSortedCodes(locationsByID)
)

// SplitLine splits a single registry line on the separator while
// respecting double quotes, so quoted fields may contain the separator
// and the quotes themselves never leak into the result.  The upstream
// files quote inconsistently, which is why encoding/csv is not used
// here: it rejects stray quotes inside unquoted fields that the source
// data contains.
func SplitLine(line string, sep byte) []string {
	var (
		fields   []string
		field    strings.Builder
		inQuotes bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == sep && !inQuotes:
			fields = append(fields, field.String())
			field.Reset()
		default:
			field.WriteByte(c)
		}
	}
	fields = append(fields, field.String())
	return fields
}

// CountryName maps an ISO alpha-2 code to its English name.  Unknown
// codes return the empty string so callers can fall back to the raw
// code.  Input case is forgiven because the data arrives from user
// popups as well as upstream feeds.
func CountryName(code string) string {
	return countryByCode[strings.ToUpper(strings.TrimSpace(code))]
}

// Lookup resolves a five-character UN/LOCODE ("FIHEL") to its registry
// entry.
func Lookup(code string) (Location, bool) {
	loc, ok := locationsByID[strings.ToUpper(strings.TrimSpace(code))]
	return loc, ok
}

// Search returns up to limit locations whose code or name starts with
// the query, sorted by code so results stay stable between calls.
func Search(query string, limit int) []Location {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil
	}
	upper := strings.ToUpper(query)
	lower := strings.ToLower(query)

	var out []Location
	for _, code := range sortedLocodes {
		loc := locationsByID[code]
		if strings.HasPrefix(code, upper) || strings.HasPrefix(strings.ToLower(loc.Name), lower) {
			out = append(out, loc)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// buildCountryIndex parses the Name;Code table once.  Malformed lines
// are skipped rather than reported; the table is static and a partial
// index is still useful.
func buildCountryIndex(data string) map[string]string {
	out := make(map[string]string)
	for i, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || i == 0 { // header row
			continue
		}
		fields := SplitLine(line, ';')
		if len(fields) != 2 {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(fields[1]))
		if len(code) != 2 {
			continue
		}
		out[code] = strings.TrimSpace(fields[0])
	}
	return out
}

// buildLocationIndex parses the Country;Location;Name;Lat;Lon table.
func buildLocationIndex(data string) map[string]Location {
	out := make(map[string]Location)
	for i, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || i == 0 {
			continue
		}
		fields := SplitLine(line, ';')
		if len(fields) != 5 {
			continue
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
		if errLat != nil || errLon != nil {
			continue
		}
		loc := Location{
			Country: strings.ToUpper(strings.TrimSpace(fields[0])),
			Code:    strings.ToUpper(strings.TrimSpace(fields[1])),
			Name:    strings.TrimSpace(fields[2]),
			Lat:     lat,
			Lon:     lon,
		}
		out[loc.Locode()] = loc
	}
	return out
}

func buildSortedCodes(index map[string]Location) []string {
	codes := make([]string, 0, len(index))
	for code := range index {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
