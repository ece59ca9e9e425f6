// Package edge wraps the HTTP endpoints of the speed-test service: download
// and upload streams, zero-byte latency probes, and the metadata endpoints.
package edge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/NodePath81/edgeprobe/internal/config"
	"github.com/NodePath81/edgeprobe/internal/model"
)

const (
	httpTimeout   = 30 * time.Second
	tcpKeepAlive  = 15 * time.Second
	uploadChunkKB = 64
)

// Client issues requests against one speed-test service instance. All
// methods are safe for concurrent use; the underlying http.Client pools
// connections across workers.
type Client struct {
	base      *url.URL
	measID    string
	userAgent string
	http      *http.Client
}

// NewClient builds a client from the run configuration. Configuration
// errors (bad base URL, unreadable certificate, unknown interface) are fatal
// here, before any phase starts.
func NewClient(cfg config.RunConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}

	dialer := &net.Dialer{
		Timeout:   httpTimeout,
		KeepAlive: tcpKeepAlive,
	}
	if cfg.Interface != "" {
		ip, err := interfaceIP(cfg.Interface)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	} else if cfg.SourceIP != "" {
		ip := net.ParseIP(cfg.SourceIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid source ip %q", cfg.SourceIP)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   cfg.Concurrency + 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.CertificatePath != "" {
		pool, err := loadCertPool(cfg.CertificatePath)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &Client{
		base:      base,
		measID:    cfg.MeasID,
		userAgent: cfg.UserAgent,
		http: &http.Client{
			Transport: transport,
			Timeout:   httpTimeout,
		},
	}, nil
}

func interfaceIP(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %q addresses: %w", name, err)
	}
	var v6 net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
		if v6 == nil && !ipNet.IP.IsLinkLocalUnicast() {
			v6 = ipNet.IP
		}
	}
	if v6 != nil {
		return v6, nil
	}
	return nil, fmt.Errorf("interface %q has no usable address", name)
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if strings.EqualFold(filepath.Ext(path), ".der") {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("parse DER certificate %q: %w", path, err)
		}
		pool.AddCert(cert)
		return pool, nil
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %q", path)
	}
	return pool, nil
}

// MeasID returns the measurement id tagged onto requests.
func (c *Client) MeasID() string { return c.measID }

// Host returns the hostname of the service, for diagnostics.
func (c *Client) Host() string { return c.base.Hostname() }

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// ProbeLatency issues a zero-byte download and measures the round trip until
// the body is fully drained. during tags probes running concurrently with a
// throughput phase. The returned Meta is non-nil when the response headers
// carried server metadata.
func (c *Client) ProbeLatency(ctx context.Context, during string, timeout time.Duration) (float64, *model.Meta, error) {
	q := url.Values{}
	q.Set("bytes", "0")
	if during != "" {
		q.Set("during", during)
	} else {
		q.Set("measId", c.measID)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/__down", q), nil)
	if err != nil {
		return 0, nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	meta := metaFromHeaders(resp.Header)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	if meta.Empty() {
		return msFloat(elapsed), nil, nil
	}
	return msFloat(elapsed), meta, nil
}

// DownloadOnce streams one download request of the configured size, calling
// count for every chunk received. It returns once the body is exhausted or
// the context is done.
func (c *Client) DownloadOnce(ctx context.Context, bytes uint64, count func(n int)) error {
	q := url.Values{}
	q.Set("measId", c.measID)
	q.Set("bytes", strconv.FormatUint(bytes, 10))

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/__down", q), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := make([]byte, 128*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			count(n)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// UploadOnce posts bytes of zero-filled payload, calling count as chunks are
// produced into the request body. Counting at production time rather than on
// acknowledgement is deliberate: it yields a stable realtime rate.
func (c *Client) UploadOnce(ctx context.Context, bytes uint64, count func(n int)) error {
	q := url.Values{}
	q.Set("measId", c.measID)

	body := &countingZeroReader{remaining: int64(bytes), count: count}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("/__up", q), body)
	if err != nil {
		return err
	}
	req.ContentLength = int64(bytes)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// countingZeroReader produces zero bytes in bounded chunks and reports each
// chunk as it is handed to the transport.
type countingZeroReader struct {
	remaining int64
	count     func(n int)
}

func (r *countingZeroReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	max := int64(uploadChunkKB * 1024)
	if int64(len(p)) < max {
		max = int64(len(p))
	}
	if r.remaining < max {
		max = r.remaining
	}
	for i := int64(0); i < max; i++ {
		p[i] = 0
	}
	r.remaining -= max
	if r.count != nil {
		r.count(int(max))
	}
	return int(max), nil
}

// FetchTurn retrieves the ICE server descriptors used by the UDP loss probe.
func (c *Client) FetchTurn(ctx context.Context) (model.TurnInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/__turn", nil), nil)
	if err != nil {
		return model.TurnInfo{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return model.TurnInfo{}, err
	}
	defer resp.Body.Close()

	var parsed struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.TurnInfo{}, fmt.Errorf("parse /__turn response: %w", err)
	}

	var info model.TurnInfo
	for _, s := range parsed.ICEServers {
		if info.Username == "" {
			info.Username = s.Username
		}
		if info.Credential == "" {
			info.Credential = s.Credential
		}
		info.URLs = append(info.URLs, s.URLs...)
	}
	return info, nil
}
