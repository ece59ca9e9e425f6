package edge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NodePath81/edgeprobe/internal/model"
)

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// FetchMeta resolves server/client metadata. It prefers the dedicated meta
// endpoint, falls back to the trace endpoint, and finally to the response
// headers of a zero-byte download.
func (c *Client) FetchMeta(ctx context.Context) (*model.Meta, error) {
	if meta, err := c.fetchMetaJSON(ctx); err == nil && !meta.Empty() {
		return meta, nil
	}
	if meta, err := c.fetchMetaTrace(ctx); err == nil && !meta.Empty() {
		return meta, nil
	}
	_, meta, err := c.ProbeLatency(ctx, "", httpTimeout)
	if err != nil {
		return nil, err
	}
	if meta.Empty() {
		return nil, fmt.Errorf("no metadata available from %s", c.base.Host)
	}
	return meta, nil
}

func (c *Client) fetchMetaJSON(ctx context.Context) (*model.Meta, error) {
	q := url.Values{}
	q.Set("measId", c.measID)
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/meta", q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/meta returned %s", resp.Status)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return metaFromJSON(raw), nil
}

// fetchMetaTrace parses the line-oriented key=value trace endpoint.
func (c *Client) fetchMetaTrace(ctx context.Context) (*model.Meta, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/cdn-cgi/trace", nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trace endpoint returned %s", resp.Status)
	}
	return metaFromTrace(resp.Body), nil
}

func metaFromTrace(r io.Reader) *model.Meta {
	meta := &model.Meta{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "ip":
			meta.ClientIP = value
		case "colo":
			meta.Colo = value
		case "loc":
			meta.Country = value
		}
	}
	return meta
}

// metaFromJSON extracts known fields from the meta endpoint body, handling
// the field-name variants the service has used over time.
func metaFromJSON(raw map[string]any) *model.Meta {
	meta := &model.Meta{}
	meta.ClientIP = firstString(raw, "clientIp", "ip", "clientIP")
	meta.Colo = firstString(raw, "colo")
	meta.City = firstString(raw, "city")
	meta.Country = firstString(raw, "country")
	meta.ASOrg = firstString(raw, "asOrganization", "asnOrg")
	switch v := raw["asn"].(type) {
	case string:
		meta.ASN = v
	case float64:
		meta.ASN = fmt.Sprintf("%.0f", v)
	}
	return meta
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// metaFromHeaders extracts server metadata from response headers. The
// cf-meta-* family is preferred; cf-connecting-ip and the colo embedded in
// cf-ray serve as fallbacks.
func metaFromHeaders(h http.Header) *model.Meta {
	meta := &model.Meta{
		ClientIP: h.Get("cf-meta-ip"),
		Colo:     h.Get("cf-meta-colo"),
		City:     h.Get("cf-meta-city"),
		Country:  h.Get("cf-meta-country"),
		ASN:      h.Get("cf-meta-asn"),
	}
	if meta.ClientIP == "" {
		meta.ClientIP = h.Get("cf-connecting-ip")
	}
	if meta.Colo == "" {
		if ray := h.Get("cf-ray"); ray != "" {
			if _, colo, ok := strings.Cut(ray, "-"); ok {
				meta.Colo = colo
			}
		}
	}
	return meta
}

// Location describes one edge location from the locations endpoint.
type Location struct {
	IATA    string  `json:"iata"`
	Colo    string  `json:"colo"`
	Code    string  `json:"code"`
	ID      string  `json:"id"`
	City    string  `json:"city"`
	Region  string  `json:"region"`
	Country string  `json:"cca2"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// FetchLocations lists the edge locations the service publishes.
func (c *Client) FetchLocations(ctx context.Context) ([]Location, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/locations", nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/locations returned %s", resp.Status)
	}

	var locations []Location
	if err := json.NewDecoder(resp.Body).Decode(&locations); err != nil {
		return nil, fmt.Errorf("parse /locations response: %w", err)
	}
	return locations, nil
}

// ServerForColo renders a display string for the colo that answered,
// e.g. "AMS - Amsterdam - NL". Unknown colos fall back to the bare code.
func ServerForColo(locations []Location, colo string) string {
	if colo == "" {
		return ""
	}
	for _, loc := range locations {
		if !coloMatches(loc, colo) {
			continue
		}
		parts := []string{strings.ToUpper(colo)}
		if loc.City != "" {
			parts = append(parts, loc.City)
		} else if loc.Region != "" {
			parts = append(parts, loc.Region)
		}
		if loc.Country != "" {
			parts = append(parts, loc.Country)
		}
		return strings.Join(parts, " - ")
	}
	return colo
}

// coloMatches checks the colo-like keys the /locations schema has carried
// over time, since the field naming is not stable.
func coloMatches(loc Location, colo string) bool {
	for _, key := range []string{loc.IATA, loc.Colo, loc.Code, loc.ID} {
		if key != "" && strings.EqualFold(key, colo) {
			return true
		}
	}
	return false
}
