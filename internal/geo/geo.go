// Package geo annotates addresses with city and country from a local
// MaxMind database. The database is optional; a nil Resolver is valid and
// annotates nothing.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"

	"github.com/NodePath81/edgeprobe/internal/model"
)

type Resolver struct {
	db *maxminddb.Reader
}

// Open loads a GeoLite2/GeoIP2 city database from path.
func Open(path string) (*Resolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &Resolver{db: db}, nil
}

func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Locate returns "City, CC" for addr, or "" when the address is private,
// unparseable or simply not in the database.
func (r *Resolver) Locate(addr string) string {
	if r == nil || r.db == nil {
		return ""
	}
	ip := net.ParseIP(addr)
	if ip == nil || !ip.IsGlobalUnicast() || ip.IsPrivate() {
		return ""
	}

	var rec cityRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return ""
	}
	city := rec.City.Names["en"]
	switch {
	case city != "" && rec.Country.ISOCode != "":
		return city + ", " + rec.Country.ISOCode
	case city != "":
		return city
	default:
		return rec.Country.ISOCode
	}
}

// FillMeta supplies city and country for the client address when the
// service did not report them.
func (r *Resolver) FillMeta(meta *model.Meta) {
	if r == nil || r.db == nil || meta == nil || meta.ClientIP == "" {
		return
	}
	ip := net.ParseIP(meta.ClientIP)
	if ip == nil || !ip.IsGlobalUnicast() || ip.IsPrivate() {
		return
	}
	var rec cityRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return
	}
	if meta.City == "" {
		meta.City = rec.City.Names["en"]
	}
	if meta.Country == "" {
		meta.Country = rec.Country.ISOCode
	}
}

// AnnotateHops fills the Location field of every hop with a resolvable
// address.
func (r *Resolver) AnnotateHops(hops []model.TracerouteHop) {
	if r == nil {
		return
	}
	for i := range hops {
		if hops[i].Address == "" {
			continue
		}
		hops[i].Location = r.Locate(hops[i].Address)
	}
}
