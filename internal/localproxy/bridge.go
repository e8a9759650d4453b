package localproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sync/errgroup"

	"fbiproxy/internal/routing"
)

const closeWriteTimeout = time.Second

// Headers regenerated by the dialer or meaningful only on a single hop.
var bridgeSkipHeaders = map[string]bool{
	"Connection":               true,
	"Upgrade":                  true,
	"Keep-Alive":               true,
	"Proxy-Connection":         true,
	"Te":                       true,
	"Trailer":                  true,
	"Transfer-Encoding":        true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
	"X-Forwarded-Host":         true,
}

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sessionState(%d)", int32(s))
	}
}

// relayFrame is one upstream message waiting to be written downstream. A
// frame with close set ends the relay after everything queued before it.
type relayFrame struct {
	messageType int
	data        []byte

	close     bool
	closeCode int
	closeText string
}

type bridge struct {
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader
	buffer    int
	readLimit int64
	log       *slog.Logger
	metrics   *metrics
}

func newBridge(connectTimeout time.Duration, buffer int, readLimit int64, log *slog.Logger, m *metrics) *bridge {
	handshakeTimeout := connectTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 45 * time.Second
	}
	if buffer < 1 {
		buffer = 1
	}
	return &bridge{
		dialer: &websocket.Dialer{
			NetDialContext:   (&net.Dialer{Timeout: connectTimeout}).DialContext,
			HandshakeTimeout: handshakeTimeout,
		},
		upgrader: websocket.Upgrader{
			// The upstream decides which origins it accepts.
			CheckOrigin: func(*http.Request) bool { return true },
			Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
				writePlain(w, http.StatusBadRequest, bodyUpgradeFailed)
			},
		},
		buffer:    buffer,
		readLimit: readLimit,
		log:       log,
		metrics:   m,
	}
}

func isWebSocketRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// checkUpgrade validates the downstream handshake before any upstream work.
func checkUpgrade(r *http.Request) error {
	switch {
	case r.Method != http.MethodGet:
		return fmt.Errorf("%w: method %s", ErrUpgradeNegotiation, r.Method)
	case !httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade"):
		return fmt.Errorf("%w: missing Connection: upgrade", ErrUpgradeNegotiation)
	case r.Header.Get("Sec-Websocket-Version") != "13":
		return fmt.Errorf("%w: unsupported version %q", ErrUpgradeNegotiation, r.Header.Get("Sec-Websocket-Version"))
	case strings.TrimSpace(r.Header.Get("Sec-Websocket-Key")) == "":
		return fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrUpgradeNegotiation)
	}
	return nil
}

func upstreamHeader(r *http.Request, d routing.Decision) http.Header {
	h := make(http.Header, len(r.Header)+2)
	for k, vs := range r.Header {
		if bridgeSkipHeaders[k] {
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Host", d.RewrittenHost)
	if d.ForwardedHost != "" {
		h.Set("X-Forwarded-Host", d.ForwardedHost)
	}
	return h
}

// serve runs one websocket pairing to completion and returns the status the
// downstream saw (101 on success).
func (b *bridge) serve(w http.ResponseWriter, r *http.Request, d routing.Decision) int {
	if err := checkUpgrade(r); err != nil {
		b.log.Warn("websocket upgrade rejected", "host", r.Host, "path", r.URL.RequestURI(), "error", err)
		writePlain(w, http.StatusBadRequest, bodyUpgradeFailed)
		return http.StatusBadRequest
	}

	target := "ws://" + d.Addr() + r.URL.RequestURI()
	session := &bridgeSession{
		id:        uuid.NewString(),
		protocols: websocket.Subprotocols(r),
		buffer:    b.buffer,
		metrics:   b.metrics,
	}
	session.log = b.log.With("session", session.id, "target", target)

	dialer := *b.dialer
	dialer.Subprotocols = session.protocols
	upstream, resp, err := dialer.DialContext(r.Context(), target, upstreamHeader(r, d))
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			err = fmt.Errorf("%w: upstream answered %d", ErrUpstreamProtocol, status)
		} else {
			err = classifyUpstreamError(err)
		}
		session.log.Error("websocket upstream connect failed", "host", r.Host, "category", describeUpstreamError(err), "error", err)
		writePlain(w, http.StatusBadGateway, bodyWebSocketFailed)
		return http.StatusBadGateway
	}
	upstream.SetReadLimit(b.readLimit)
	session.upstream = upstream

	respHeader := http.Header{}
	if p := upstream.Subprotocol(); p != "" {
		respHeader.Set("Sec-Websocket-Protocol", p)
	}
	if resp != nil {
		for _, c := range resp.Header.Values("Set-Cookie") {
			respHeader.Add("Set-Cookie", c)
		}
	}
	downstream, err := b.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader has already answered the client.
		_ = upstream.Close()
		session.log.Warn("websocket downstream upgrade failed", "error", fmt.Errorf("%w: %v", ErrUpgradeNegotiation, err))
		return http.StatusBadRequest
	}
	downstream.SetReadLimit(b.readLimit)
	session.downstream = downstream

	session.log.Info("websocket open", "host", r.Host, "path", r.URL.RequestURI(), "subprotocol", upstream.Subprotocol())
	b.metrics.sessions.Inc()
	defer b.metrics.sessions.Dec()

	if err := session.run(r.Context()); err != nil {
		session.log.Warn("websocket relay ended with error", "error", err)
	}
	session.log.Info("websocket closed")
	return http.StatusSwitchingProtocols
}

// bridgeSession pairs one downstream and one upstream socket. Each socket has
// exactly one reader and one writer goroutine.
type bridgeSession struct {
	id         string
	downstream *websocket.Conn
	upstream   *websocket.Conn
	protocols  []string
	buffer     int
	state      atomic.Int32
	log        *slog.Logger
	metrics    *metrics

	teardownOnce sync.Once
}

func (s *bridgeSession) State() sessionState {
	return sessionState(s.state.Load())
}

// advance moves the session forward to next. Backward or repeated moves are
// ignored and report false.
func (s *bridgeSession) advance(next sessionState) bool {
	for {
		cur := s.state.Load()
		if int32(next) <= cur {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (s *bridgeSession) run(parent context.Context) error {
	defer s.advance(stateClosed)
	s.advance(stateOpen)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	queue := make(chan relayFrame, s.buffer)
	var g errgroup.Group
	g.Go(func() error {
		s.readUpstream(ctx, queue)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.flushDownstream(ctx, queue)
	})
	g.Go(func() error {
		defer cancel()
		return s.readDownstream()
	})
	g.Go(func() error {
		<-ctx.Done()
		s.teardown()
		return nil
	})
	err := g.Wait()
	s.teardown()
	return err
}

// readUpstream queues upstream messages in arrival order. It always ends by
// queueing a close frame (unless the session is already cancelled) and
// closing the queue, so the writer can flush before closing downstream.
func (s *bridgeSession) readUpstream(ctx context.Context, queue chan<- relayFrame) {
	defer close(queue)
	for {
		mt, data, err := s.upstream.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.advance(stateClosing)
				s.log.Debug("upstream closed", "error", err)
			}
			select {
			case queue <- upstreamCloseFrame(err):
			case <-ctx.Done():
			}
			return
		}
		select {
		case queue <- relayFrame{messageType: mt, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func upstreamCloseFrame(err error) relayFrame {
	if errors.Is(err, websocket.ErrReadLimit) {
		return relayFrame{close: true, closeCode: websocket.CloseMessageTooBig, closeText: "upstream message too big"}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure && ce.Code != websocket.CloseTLSHandshake {
		return relayFrame{close: true, closeCode: ce.Code, closeText: ce.Text}
	}
	return relayFrame{close: true, closeCode: websocket.CloseGoingAway, closeText: "upstream closed"}
}

// flushDownstream writes queued frames in order. After relaying a close it
// waits up to closeWriteTimeout for the client's reply, which readDownstream
// observes and answers by cancelling ctx.
func (s *bridgeSession) flushDownstream(ctx context.Context, queue <-chan relayFrame) error {
	for frame := range queue {
		if frame.close {
			msg := websocket.FormatCloseMessage(frame.closeCode, frame.closeText)
			err := s.downstream.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return fmt.Errorf("forward close downstream: %w", err)
			}
			timer := time.NewTimer(closeWriteTimeout)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			return nil
		}
		if err := s.downstream.WriteMessage(frame.messageType, frame.data); err != nil {
			return fmt.Errorf("write downstream: %w", err)
		}
		s.metrics.messages.WithLabelValues(directionDownstream).Inc()
	}
	return nil
}

func (s *bridgeSession) readDownstream() error {
	for {
		mt, data, err := s.downstream.ReadMessage()
		if err != nil {
			if s.State() >= stateClosing {
				return nil
			}
			s.advance(stateClosing)
			if errors.Is(err, websocket.ErrReadLimit) {
				// gorilla has already sent 1009 to the client.
				s.log.Debug("downstream message too big")
				msg := websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "downstream message too big")
				_ = s.upstream.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.log.Debug("downstream closed", "code", ce.Code)
				code := ce.Code
				if code == websocket.CloseAbnormalClosure || code == websocket.CloseTLSHandshake {
					code = websocket.CloseGoingAway
				}
				msg := websocket.FormatCloseMessage(code, ce.Text)
				_ = s.upstream.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
				return nil
			}
			return fmt.Errorf("read downstream: %w", err)
		}
		if err := s.upstream.WriteMessage(mt, data); err != nil {
			return fmt.Errorf("write upstream: %w", err)
		}
		s.metrics.messages.WithLabelValues(directionUpstream).Inc()
	}
}

// teardown closes both sockets once; it runs on every exit path.
func (s *bridgeSession) teardown() {
	s.teardownOnce.Do(func() {
		s.advance(stateClosing)
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
		if s.downstream != nil {
			_ = s.downstream.Close()
		}
	})
}
