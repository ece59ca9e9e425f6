package geo

import (
	"testing"

	"github.com/NodePath81/edgeprobe/internal/model"
)

func TestNilResolverIsInert(t *testing.T) {
	var r *Resolver
	if got := r.Locate("1.1.1.1"); got != "" {
		t.Fatalf("nil resolver located %q", got)
	}
	hops := []model.TracerouteHop{{Hop: 1, Address: "1.1.1.1"}}
	r.AnnotateHops(hops)
	if hops[0].Location != "" {
		t.Fatalf("nil resolver annotated %q", hops[0].Location)
	}
	meta := &model.Meta{ClientIP: "1.1.1.1"}
	r.FillMeta(meta)
	if meta.City != "" || meta.Country != "" {
		t.Fatalf("nil resolver filled meta: %+v", meta)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenMissingDatabase(t *testing.T) {
	if _, err := Open("/nonexistent/geoip.mmdb"); err == nil {
		t.Fatal("expected an error for a missing database")
	}
}

func TestLocateRejectsNonRoutable(t *testing.T) {
	r := &Resolver{}
	for _, addr := range []string{"", "not-an-ip", "192.168.1.1", "127.0.0.1"} {
		if got := r.Locate(addr); got != "" {
			t.Fatalf("Locate(%q) = %q, want empty", addr, got)
		}
	}
}
