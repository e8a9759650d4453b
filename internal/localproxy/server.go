package localproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"fbiproxy/internal/logging"
	"fbiproxy/internal/routing"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Options configures a Server. Zero values fall back to an unfiltered,
// unlimited proxy that logs nowhere.
type Options struct {
	Filter                *routing.Filter
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	WebSocketBuffer       int
	// WebSocketReadLimit caps each websocket message in bytes; 0 disables it.
	WebSocketReadLimit int64
	Logger             *slog.Logger

	// Registry receives the proxy metrics. A fresh registry with the Go and
	// process collectors is used when nil.
	Registry *prometheus.Registry
}

// Server dispatches every inbound request to exactly one of the landing
// page, the CONNECT tunnel, the websocket bridge or the HTTP forwarder.
type Server struct {
	filter    *routing.Filter
	forwarder *forwarder
	bridge    *bridge
	dialer    *net.Dialer
	landing   landingView
	log       *slog.Logger
	metrics   *metrics
	registry  *prometheus.Registry
}

// NewServer builds a Server from opts and registers its metrics.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	filter := opts.Filter
	if filter == nil {
		filter = routing.NewFilter("")
	}
	reg := opts.Registry
	if reg == nil {
		reg = newRegistry()
	}
	m := newMetrics(reg)
	return &Server{
		filter:    filter,
		forwarder: newForwarder(opts.ConnectTimeout, opts.ResponseHeaderTimeout, log),
		bridge:    newBridge(opts.ConnectTimeout, opts.WebSocketBuffer, opts.WebSocketReadLimit, log, m),
		dialer:    &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second},
		landing:   newLandingView(filter.Suffix()),
		log:       log,
		metrics:   m,
		registry:  reg,
	}
}

func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	kind, code := s.dispatch(w, r)
	s.metrics.observe(kind, code, started)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) (string, int) {
	if r.Method == http.MethodConnect {
		return s.serveConnect(w, r)
	}

	routed, landing, ok := s.filter.Route(r.Host)
	if !ok {
		s.log.Warn("host not allowed", "method", r.Method, "host", r.Host, "path", r.URL.RequestURI())
		writePlain(w, http.StatusBadGateway, bodyHostNotAllowed)
		return kindRejected, http.StatusBadGateway
	}
	if landing {
		if isWebSocketRequest(r) {
			s.log.Warn("websocket upgrade on landing host", "host", r.Host)
			writePlain(w, http.StatusBadRequest, bodyUpgradeFailed)
			return kindWebSocket, http.StatusBadRequest
		}
		return kindLanding, s.serveLanding(w)
	}

	d, err := s.resolve(r.Host, routed, r.Header.Get("X-Forwarded-Host"))
	if err != nil {
		s.log.Warn("malformed host", "method", r.Method, "host", r.Host, "error", err)
		writePlain(w, http.StatusBadRequest, bodyMalformedHost)
		return kindMalformed, http.StatusBadRequest
	}

	if isWebSocketRequest(r) {
		return kindWebSocket, s.bridge.serve(w, r, d)
	}
	return kindHTTP, s.forwarder.serve(w, r, d)
}

// resolve applies the rule table to the suffix-stripped host. The numeric
// subdomain rule reports the public host name, not the stripped one.
func (s *Server) resolve(host, routed, forwardedHost string) (routing.Decision, error) {
	d, err := routing.Resolve(routed, forwardedHost)
	if err != nil {
		return routing.Decision{}, err
	}
	if d.Rule == routing.RuleNumericSubdomain && strings.TrimSpace(forwardedHost) == "" {
		d.ForwardedHost = strings.TrimSpace(host)
	}
	return d, nil
}

// Listen binds the proxy listener.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Hijacked websocket and tunnel connections are closed once the
// plain HTTP connections have drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	return serveHandler(ctx, ln, s, s.log)
}

// ServeAdmin serves AdminHandler on ln until ctx is cancelled.
func (s *Server) ServeAdmin(ctx context.Context, ln net.Listener) error {
	return serveHandler(ctx, ln, s.AdminHandler(), s.log.With("listener", "admin"))
}

func serveHandler(ctx context.Context, ln net.Listener, h http.Handler, log *slog.Logger) error {
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelDebug),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", ln.Addr(), err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		cancelBase()
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("shutdown timed out, closing remaining connections", "addr", ln.Addr().String())
			err = srv.Close()
		}
		if err != nil {
			return fmt.Errorf("shutdown %s: %w", ln.Addr(), err)
		}
		return nil
	})
	return g.Wait()
}
