package routing

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMalformedHost  = errors.New("malformed host")
	ErrHostNotAllowed = errors.New("host not allowed")

	hostPortPattern  = regexp.MustCompile(`^([a-z0-9-]+)--([0-9]+)$`)
	numericPattern   = regexp.MustCompile(`^[0-9]+$`)
	numericSubdomain = regexp.MustCompile(`^([0-9]+)\.(.+)$`)
	hostCharset      = regexp.MustCompile(`^[a-z0-9.:-]+$`)
)

const defaultTargetPort = 80

// Rule names reported in Decision.Rule.
const (
	RuleHostPort         = "host--port"
	RuleNumeric          = "numeric"
	RuleNumericSubdomain = "numeric-subdomain"
	RuleFallback         = "fallback"
)

// Decision is the forwarding target and header rewrites for one request.
type Decision struct {
	TargetHost    string `json:"targetHost"`
	TargetPort    uint16 `json:"targetPort"`
	ForwardedHost string `json:"forwardedHost,omitempty"`
	RewrittenHost string `json:"rewrittenHost"`
	Rule          string `json:"rule"`
}

// Addr returns the upstream dial address.
func (d Decision) Addr() string {
	return net.JoinHostPort(d.TargetHost, strconv.Itoa(int(d.TargetPort)))
}

type rule struct {
	name  string
	match func(host string) (Decision, bool, error)
}

// rules are evaluated top to bottom; the first match wins.
var rules = []rule{
	{name: RuleHostPort, match: matchHostPort},
	{name: RuleNumeric, match: matchNumeric},
	{name: RuleNumericSubdomain, match: matchNumericSubdomain},
}

func matchHostPort(host string) (Decision, bool, error) {
	m := hostPortPattern.FindStringSubmatch(host)
	if m == nil {
		return Decision{}, false, nil
	}
	port, err := parsePort(m[2])
	if err != nil {
		return Decision{}, true, err
	}
	return Decision{TargetHost: m[1], TargetPort: port, RewrittenHost: m[1]}, true, nil
}

func matchNumeric(host string) (Decision, bool, error) {
	if !numericPattern.MatchString(host) {
		return Decision{}, false, nil
	}
	port, err := parsePort(host)
	if err != nil {
		return Decision{}, true, err
	}
	return Decision{TargetHost: "localhost", TargetPort: port, RewrittenHost: "localhost"}, true, nil
}

func matchNumericSubdomain(host string) (Decision, bool, error) {
	m := numericSubdomain.FindStringSubmatch(host)
	if m == nil {
		return Decision{}, false, nil
	}
	port, err := parsePort(m[1])
	if err != nil {
		return Decision{}, true, err
	}
	return Decision{TargetHost: "localhost", TargetPort: port, RewrittenHost: "localhost"}, true, nil
}

// Resolve maps a Host header (and the inbound X-Forwarded-Host, if any) to a
// Decision. It has no side effects; equal inputs always yield equal output.
func Resolve(hostHeader, forwardedHost string) (Decision, error) {
	host, port, err := splitHost(hostHeader)
	if err != nil {
		return Decision{}, err
	}

	forwardedHost = strings.TrimSpace(forwardedHost)
	for _, r := range rules {
		d, ok, err := r.match(host)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %q: %v", ErrMalformedHost, hostHeader, err)
		}
		if !ok {
			continue
		}
		d.Rule = r.name
		switch {
		case forwardedHost != "":
			d.ForwardedHost = forwardedHost
		case r.name == RuleNumericSubdomain:
			d.ForwardedHost = strings.TrimSpace(hostHeader)
		}
		return d, nil
	}

	d := Decision{
		TargetHost:    host,
		TargetPort:    defaultTargetPort,
		RewrittenHost: host,
		ForwardedHost: forwardedHost,
		Rule:          RuleFallback,
	}
	if port != 0 {
		d.TargetPort = port
	}
	return d, nil
}

// splitHost normalizes a raw Host header and separates an optional :port.
func splitHost(raw string) (string, uint16, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if h == "" {
		return "", 0, fmt.Errorf("%w: empty host", ErrMalformedHost)
	}
	if !hostCharset.MatchString(h) {
		return "", 0, fmt.Errorf("%w: %q contains invalid characters", ErrMalformedHost, raw)
	}

	var port uint16
	if i := strings.IndexByte(h, ':'); i >= 0 {
		p, err := parsePort(h[i+1:])
		if err != nil {
			return "", 0, fmt.Errorf("%w: %q: %v", ErrMalformedHost, raw, err)
		}
		port = p
		h = h[:i]
	}

	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return "", 0, fmt.Errorf("%w: %q has no host part", ErrMalformedHost, raw)
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" {
			return "", 0, fmt.Errorf("%w: %q has an empty label", ErrMalformedHost, raw)
		}
	}
	return h, port, nil
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, errors.New("empty port")
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
