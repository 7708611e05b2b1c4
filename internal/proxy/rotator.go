// Package proxy maps port numbers in a configured range to outbound proxy
// endpoints.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/config"
)

// Endpoint is a single outbound proxy address with its credentials.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Enabled reports whether the endpoint points at a proxy at all.
func (e Endpoint) Enabled() bool {
	return e.Host != ""
}

// URL returns the proxy URL including credentials, or nil when proxying is
// disabled.
func (e Endpoint) URL() *url.URL {
	if !e.Enabled() {
		return nil
	}
	u := &url.URL{
		Scheme: e.Scheme,
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
	}
	if e.Username != "" || e.Password != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String renders the endpoint with the password redacted, safe for logs.
func (e Endpoint) String() string {
	if !e.Enabled() {
		return "direct"
	}
	return fmt.Sprintf("%s://%s@%s", e.Scheme, e.Username, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// Rotator derives endpoints from ports in [StartingPort, MaxPort].
// It holds no mutable state; the caller owns the current port.
type Rotator struct {
	scheme   string
	host     string
	username string
	password string
	start    int
	max      int
	spread   int
}

// NewRotator builds a rotator from the proxy configuration.
func NewRotator(cfg config.ProxyConfig) *Rotator {
	spread := cfg.Spread
	if spread < 1 {
		spread = 1
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	username := cfg.Username
	if username != "" {
		username = cfg.UserPrefix + username
	}
	return &Rotator{
		scheme:   scheme,
		host:     cfg.Host,
		username: username,
		password: cfg.Password,
		start:    cfg.StartingPort,
		max:      cfg.MaxPort,
		spread:   spread,
	}
}

// Size is the number of ports in the rotation.
func (r *Rotator) Size() int {
	return r.max - r.start + 1
}

// Endpoint returns the proxy endpoint for port. Ports outside the range
// are folded back into it.
func (r *Rotator) Endpoint(port int) Endpoint {
	return Endpoint{
		Scheme:   r.scheme,
		Host:     r.host,
		Port:     r.normalize(port),
		Username: r.username,
		Password: r.password,
	}
}

// Next returns the port following port, wrapping to the starting port
// after the maximum.
func (r *Rotator) Next(port int) int {
	next := r.normalize(port) + 1
	if next > r.max {
		return r.start
	}
	return next
}

// Initial returns the first port for the index-th dispatched item, spreading
// consecutive items over the first Spread ports of the range.
func (r *Rotator) Initial(index int) int {
	if index < 0 {
		index = -index
	}
	return r.normalize(r.start + index%r.spread)
}

func (r *Rotator) normalize(port int) int {
	if port >= r.start && port <= r.max {
		return port
	}
	size := r.Size()
	offset := (port - r.start) % size
	if offset < 0 {
		offset += size
	}
	return r.start + offset
}
