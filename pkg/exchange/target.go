package exchange

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

const (
	// Scheme is the only supported URI scheme.
	Scheme = "coap"

	// DefaultPort is the default CoAP UDP port.
	DefaultPort uint16 = 5683
)

// Target is a parsed coap:// URI.
type Target struct {
	Host  string
	Port  uint16
	Path  string
	Query []string
}

// ParseTarget parses "coap://host[:port]/path?query". The scheme may be
// omitted. coaps:// and any other scheme are rejected.
func ParseTarget(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		s = Scheme + "://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	t := Target{
		Host: u.Hostname(),
		Port: DefaultPort,
		Path: u.Path,
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, raw)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return Target{}, fmt.Errorf("%w: bad port %q", ErrInvalidTarget, p)
		}
		t.Port = uint16(port)
	}

	for _, q := range strings.Split(u.RawQuery, "&") {
		if q == "" {
			continue
		}
		if unescaped, err := url.QueryUnescape(q); err == nil {
			q = unescaped
		}
		t.Query = append(t.Query, q)
	}

	return t, nil
}

// Addr returns the literal IP address of the host, if it is one.
func (t Target) Addr() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(t.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// IsLiteral reports whether the host is an IP address.
func (t Target) IsLiteral() bool {
	_, ok := t.Addr()
	return ok
}

// String renders the target as a coap:// URI.
func (t Target) String() string {
	u := url.URL{
		Scheme: Scheme,
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port))),
		Path:   t.Path,
	}
	if t.Port == DefaultPort {
		u.Host = t.Host
		if strings.Contains(t.Host, ":") {
			u.Host = "[" + t.Host + "]"
		}
	}
	s := u.String()
	if len(t.Query) > 0 {
		s += "?" + strings.Join(t.Query, "&")
	}
	return s
}
