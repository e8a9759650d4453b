package localproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

type closeWriter interface {
	CloseWrite() error
}

// serveConnect handles CONNECT authority requests as raw TCP tunnels.
func (s *Server) serveConnect(w http.ResponseWriter, r *http.Request) (string, int) {
	routed, landing, ok := s.filter.Route(r.Host)
	if !ok || landing {
		s.log.Warn("tunnel host not allowed", "host", r.Host)
		writePlain(w, http.StatusBadGateway, bodyHostNotAllowed)
		return kindRejected, http.StatusBadGateway
	}
	d, err := s.resolve(r.Host, routed, "")
	if err != nil {
		s.log.Warn("tunnel host malformed", "host", r.Host, "error", err)
		writePlain(w, http.StatusBadRequest, bodyMalformedHost)
		return kindMalformed, http.StatusBadRequest
	}

	upstream, err := s.dialer.DialContext(r.Context(), "tcp", d.Addr())
	if err != nil {
		err = classifyUpstreamError(err)
		s.log.Error("tunnel connect failed", "host", r.Host, "target", d.Addr(), "category", describeUpstreamError(err), "error", err)
		writePlain(w, http.StatusBadGateway, bodyGatewayError)
		return kindConnect, http.StatusBadGateway
	}
	defer upstream.Close()

	downstream, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		s.log.Error("tunnel hijack failed", "host", r.Host, "error", err)
		writePlain(w, http.StatusInternalServerError, bodyGatewayError)
		return kindConnect, http.StatusInternalServerError
	}
	defer downstream.Close()
	_ = downstream.SetDeadline(time.Time{})

	if _, err := io.WriteString(downstream, connectEstablished); err != nil {
		s.log.Debug("tunnel client went away", "host", r.Host, "error", err)
		return kindConnect, http.StatusOK
	}
	s.log.Info("tunnel open", "host", r.Host, "target", d.Addr())
	stop := context.AfterFunc(r.Context(), func() {
		_ = downstream.Close()
		_ = upstream.Close()
	})
	defer stop()
	pipe(downstream, rw.Reader, upstream)
	s.log.Info("tunnel closed", "host", r.Host, "target", d.Addr())
	return kindConnect, http.StatusOK
}

// pipe copies in both directions until each side has finished sending. Bytes
// the server already buffered from the client are sent upstream first.
func pipe(client net.Conn, buffered *bufio.Reader, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Go(func() {
		var src io.Reader = client
		if buffered != nil && buffered.Buffered() > 0 {
			src = io.MultiReader(io.LimitReader(buffered, int64(buffered.Buffered())), client)
		}
		_, _ = io.Copy(upstream, src)
		halfClose(upstream)
	})
	wg.Go(func() {
		_, _ = io.Copy(client, upstream)
		halfClose(client)
	})
	wg.Wait()
}

func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
