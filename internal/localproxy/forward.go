package localproxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"fbiproxy/internal/routing"
)

type decisionKey struct{}

func withDecision(ctx context.Context, d routing.Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

func decisionFrom(ctx context.Context) (routing.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(routing.Decision)
	return d, ok
}

// forwarder relays plain HTTP requests. A single ReverseProxy serves every
// target; the per-request Decision travels in the request context.
type forwarder struct {
	proxy *httputil.ReverseProxy
	log   *slog.Logger
}

func newForwarder(connectTimeout, responseHeaderTimeout time.Duration, log *slog.Logger) *forwarder {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = responseHeaderTimeout

	f := &forwarder{log: log}
	f.proxy = &httputil.ReverseProxy{
		Director:      direct,
		Transport:     transport,
		FlushInterval: 50 * time.Millisecond,
		ModifyResponse: func(resp *http.Response) error {
			// Bodies are relayed decoded, so the upstream encoding no longer applies.
			resp.Header.Del("Content-Encoding")
			return nil
		},
		ErrorHandler: f.handleError,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelDebug),
	}
	return f
}

func direct(req *http.Request) {
	d, ok := decisionFrom(req.Context())
	if !ok {
		return
	}
	req.URL.Scheme = "http"
	req.URL.Host = d.Addr()
	req.Host = d.RewrittenHost

	// Let the transport negotiate gzip itself so it decodes transparently.
	req.Header.Del("Accept-Encoding")
	if d.ForwardedHost != "" {
		req.Header.Set("X-Forwarded-Host", d.ForwardedHost)
	}
}

// serve forwards r to the Decision's target and returns the status written
// to the client.
func (f *forwarder) serve(w http.ResponseWriter, r *http.Request, d routing.Decision) int {
	rec := &statusRecorder{ResponseWriter: w}
	r = r.WithContext(withDecision(r.Context(), d))
	f.proxy.ServeHTTP(rec, r)
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	f.log.Info("proxied",
		"method", r.Method,
		"host", r.Host,
		"target", d.Addr(),
		"path", r.URL.RequestURI(),
		"status", rec.status,
	)
	return rec.status
}

func (f *forwarder) handleError(w http.ResponseWriter, r *http.Request, proxyErr error) {
	d, _ := decisionFrom(r.Context())
	err := classifyUpstreamError(proxyErr)
	if errors.Is(err, errClientCanceled) {
		f.log.Debug("client canceled request", "host", r.Host, "target", d.Addr(), "path", r.URL.RequestURI())
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	f.log.Error("upstream request failed",
		"method", r.Method,
		"host", r.Host,
		"target", d.Addr(),
		"path", r.URL.RequestURI(),
		"category", describeUpstreamError(proxyErr),
		"error", err,
	)
	writePlain(w, http.StatusBadGateway, bodyGatewayError)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 && code >= http.StatusOK {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
