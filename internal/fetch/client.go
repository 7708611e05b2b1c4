// Package fetch issues single product-page requests through an outbound
// proxy and classifies the outcome.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	tls2 "github.com/refraction-networking/utls"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/proxy"
)

// Fetcher performs one GET through one proxy endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, ep proxy.Endpoint) Outcome
}

// AnchorFunc reports whether a 200 body has the structure the caller
// expects. A body failing the check is classified Permanent.
type AnchorFunc func(body []byte) bool

// Options configures a Client.
type Options struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	ChromeTLS    bool
	Limiter      *rate.Limiter
	Anchor       AnchorFunc
}

// OptionsFromConfig maps fetch configuration onto client options.
// The anchor is left for the caller to supply.
func OptionsFromConfig(cfg config.FetchConfig) Options {
	opts := Options{
		Timeout:      cfg.Timeout,
		UserAgent:    cfg.UserAgent,
		MaxBodyBytes: cfg.MaxBodyBytes,
		ChromeTLS:    cfg.ChromeTLS,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return opts
}

// Client is the HTTP implementation of Fetcher.
type Client struct {
	opts Options
}

// NewClient creates a fetch client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.UserAgent == "" {
		opts.UserAgent = config.Default().Fetch.UserAgent
	}
	return &Client{opts: opts}
}

// Fetch retrieves targetURL through ep. It never returns a Go error; every
// failure is folded into the outcome.
func (c *Client) Fetch(ctx context.Context, targetURL string, ep proxy.Endpoint) Outcome {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return transient(0, "rate limiter", err)
		}
	}

	client := c.httpClient(ep)
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return permanent(0, fmt.Sprintf("build request: %v", err))
	}
	c.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return transient(0, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return transient(resp.StatusCode, fmt.Sprintf("status code %d", resp.StatusCode), nil)
	}

	decoded, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return transient(resp.StatusCode, "decode body", err)
	}
	defer decoded.Close()

	body, err := io.ReadAll(io.LimitReader(decoded, c.opts.MaxBodyBytes))
	if err != nil {
		return transient(resp.StatusCode, "read body", err)
	}

	if c.opts.Anchor != nil && !c.opts.Anchor(body) {
		return permanent(resp.StatusCode, "specification table not found")
	}

	return Outcome{Kind: Success, Status: resp.StatusCode, Body: body}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
}

// httpClient builds a client for one attempt. The proxy changes between
// attempts, so transports are not pooled.
func (c *Client) httpClient(ep proxy.Endpoint) *http.Client {
	transport := &http.Transport{
		DisableCompression:    true,
		ResponseHeaderTimeout: c.opts.Timeout,
	}
	if u := ep.URL(); u != nil {
		transport.Proxy = http.ProxyURL(u)
	} else if c.opts.ChromeTLS {
		// Only direct connections get the browser fingerprint. Through a
		// proxy the custom dialer would apply to the proxy hop instead.
		transport.DialTLSContext = dialTLSChrome
	}
	return &http.Client{
		Transport: transport,
		Timeout:   c.opts.Timeout,
	}
}

// dialTLSChrome establishes a TLS connection with a Chrome ClientHello.
// ALPN is pinned to http/1.1 because net/http cannot speak h2 over a
// custom-dialed connection.
func dialTLSChrome(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	spec, err := tls2.UTLSIdToSpec(tls2.HelloChrome_Auto)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("chrome hello spec: %w", err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls2.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls2.UClient(rawConn, &tls2.Config{ServerName: host}, tls2.HelloCustom)
	if err := tlsConn.ApplyPreset(&spec); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("apply chrome preset: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
