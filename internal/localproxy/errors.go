package localproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var (
	ErrUpstreamConnect    = errors.New("upstream connect failed")
	ErrUpstreamProtocol   = errors.New("upstream protocol error")
	ErrUpgradeNegotiation = errors.New("websocket upgrade negotiation failed")
	errClientCanceled     = errors.New("client went away")
)

// Fixed response bodies. Clients and supervising scripts match on these.
const (
	bodyGatewayError    = "Gateway Error"
	bodyHostNotAllowed  = "Bad Gateway: Host not allowed"
	bodyMalformedHost   = "Bad Request: malformed host"
	bodyUpgradeFailed   = "WebSocket upgrade failed"
	bodyWebSocketFailed = "WebSocket connection failed"
)

// classifyUpstreamError wraps a transport error in ErrUpstreamConnect when
// no upstream connection was established, and ErrUpstreamProtocol otherwise.
func classifyUpstreamError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", errClientCanceled, err)
	}
	var (
		dnsErr *net.DNSError
		opErr  *net.OpError
	)
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr) && opErr.Op == "dial",
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrUpstreamConnect, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamProtocol, err)
	}
}

// describeUpstreamError gives a short human category for log lines.
func describeUpstreamError(err error) string {
	msg := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", err)))
	switch {
	case strings.Contains(msg, "connection refused"):
		return "upstream connection refused"
	case strings.Contains(msg, "no such host"):
		return "upstream host not found"
	case strings.Contains(msg, "no route to host"):
		return "upstream route unavailable"
	case strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "deadline exceeded"):
		return "upstream timeout"
	case strings.Contains(msg, "connection reset"):
		return "upstream connection reset"
	default:
		return "upstream unavailable"
	}
}

// writePlain writes body verbatim, without the trailing newline http.Error adds.
func writePlain(w http.ResponseWriter, status int, body string) {
	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
