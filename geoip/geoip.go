// Package geoip decides what to do with a request based on where the client
// is. Locations come from a MaxMind GeoIP2/GeoLite2 City database and rules
// are matched highest priority first.
package geoip

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Location is what the database knows about a client address. Fields the
// database has no data for are empty.
type Location struct {
	IP        string
	Country   string // ISO 3166-1 alpha-2
	Continent string // two letter continent code
	Region    string // first subdivision, English name
	City      string // English name
	TimeZone  string
	Latitude  float64
	Longitude float64
	// HasCoordinates is false when the database holds no position, so
	// distance rules never match.
	HasCoordinates bool
}

// Known reports whether the database placed the address in a country.
func (l Location) Known() bool {
	return l.Country != ""
}

func (l Location) String() string {
	if !l.Known() {
		return "unknown"
	}
	parts := []string{l.Country}
	if l.Region != "" {
		parts = append(parts, l.Region)
	}
	if l.City != "" {
		parts = append(parts, l.City)
	}
	return strings.Join(parts, "/")
}

// Locator resolves client addresses.
type Locator interface {
	Locate(ip net.IP) (Location, error)
}

// Database is a Locator backed by a MaxMind City database.
type Database struct {
	reader *geoip2.Reader
	path   string
}

// Open memory maps the database at path.
func Open(path string) (*Database, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database %s: %w", path, err)
	}
	return &Database{reader: r, path: path}, nil
}

// Locate looks ip up. An address missing from the database yields an empty
// Location and no error.
func (d *Database) Locate(ip net.IP) (Location, error) {
	rec, err := d.reader.City(ip)
	if err != nil {
		return Location{}, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	loc := Location{
		IP:        ip.String(),
		Country:   rec.Country.IsoCode,
		Continent: rec.Continent.Code,
		City:      rec.City.Names["en"],
		TimeZone:  rec.Location.TimeZone,
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	loc.HasCoordinates = loc.Latitude != 0 || loc.Longitude != 0
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].Names["en"]
	}
	return loc, nil
}

// Path is the file the database was opened from.
func (d *Database) Path() string {
	return d.path
}

// Close unmaps the database.
func (d *Database) Close() error {
	return d.reader.Close()
}
