package routing

import (
	"strings"
)

// Filter restricts routing to hosts under a single domain suffix. The zero
// value and a Filter built from an empty suffix allow every host. A Filter
// is never mutated after construction.
type Filter struct {
	suffix string
}

// NewFilter builds a Filter for suffix; "" disables filtering.
func NewFilter(suffix string) *Filter {
	return &Filter{suffix: normalizeDomain(suffix)}
}

// Suffix returns the normalized allowed suffix, or "" when filtering is off.
func (f *Filter) Suffix() string {
	if f == nil {
		return ""
	}
	return f.suffix
}

// Allow reports whether host is the suffix itself or a subdomain of it.
func (f *Filter) Allow(host string) bool {
	_, _, ok := f.Route(host)
	return ok
}

// Route applies the filter and strips the allowed suffix so the remaining
// labels can go through Resolve: with suffix "fbi.example.com",
// "3000.fbi.example.com:443" routes as "3000:443". A host equal to the
// suffix reports landing=true. Without a suffix the host is returned as is.
func (f *Filter) Route(host string) (routed string, landing bool, ok bool) {
	if f.Suffix() == "" {
		return host, false, true
	}
	name, port := splitPortSuffix(host)
	name = normalizeDomain(name)
	if name == "" {
		return "", false, false
	}
	if name == f.suffix {
		return "", true, true
	}
	prefix, found := strings.CutSuffix(name, "."+f.suffix)
	if !found || prefix == "" || strings.HasSuffix(prefix, ".") {
		return "", false, false
	}
	return prefix + port, false, true
}

// splitPortSuffix separates a trailing ":port" (returned with its colon).
func splitPortSuffix(host string) (string, string) {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i], host[i:]
	}
	return host, ""
}

func normalizeDomain(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimSuffix(h, ".")
}
