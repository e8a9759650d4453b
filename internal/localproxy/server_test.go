package localproxy

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fbiproxy/internal/routing"
)

type seenRequest struct {
	Method        string
	Host          string
	Path          string
	Query         string
	Body          string
	ForwardedHost string
	Cookie        string
}

func newTestProxy(t *testing.T, domain string) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Options{
		Filter:          routing.NewFilter(domain),
		ConnectTimeout:  time.Second,
		WebSocketBuffer: 4,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

// recordingUpstream answers every request with "upstream ok" and publishes
// what it saw on the returned channel.
func recordingUpstream(t *testing.T) (*httptest.Server, <-chan seenRequest) {
	t.Helper()
	seen := make(chan seenRequest, 8)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			Method:        r.Method,
			Host:          r.Host,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Body:          string(body),
			ForwardedHost: r.Header.Get("X-Forwarded-Host"),
			Cookie:        r.Header.Get("Cookie"),
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "upstream ok")
	}))
	t.Cleanup(up.Close)
	return up, seen
}

func portOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Port()
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())
	return port
}

func testClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{DisableCompression: true},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

func do(t *testing.T, method, proxyURL, host, path string, body io.Reader, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, proxyURL+path, body)
	require.NoError(t, err)
	req.Host = host
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := testClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func receive(t *testing.T, seen <-chan seenRequest) seenRequest {
	t.Helper()
	select {
	case s := <-seen:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("upstream was never contacted")
		return seenRequest{}
	}
}

func TestServerForwardsByRule(t *testing.T) {
	up, seen := recordingUpstream(t)
	port := portOf(t, up.URL)
	_, proxy := newTestProxy(t, "")

	tests := []struct {
		name              string
		host              string
		header            http.Header
		wantHost          string
		wantForwardedHost string
	}{
		{name: "numeric", host: port, wantHost: "localhost"},
		{name: "numeric with listener port", host: port + ":2432", wantHost: "localhost"},
		{name: "host--port", host: "localhost--" + port, wantHost: "localhost"},
		{name: "numeric subdomain", host: port + ".dev", wantHost: "localhost", wantForwardedHost: port + ".dev"},
		{name: "numeric subdomain keeps port", host: port + ".dev:2432", wantHost: "localhost", wantForwardedHost: port + ".dev:2432"},
		{
			name:              "inbound forwarded host wins",
			host:              port,
			header:            http.Header{"X-Forwarded-Host": {"public.example.org"}},
			wantHost:          "localhost",
			wantForwardedHost: "public.example.org",
		},
		{name: "fallback uses embedded port", host: "localhost:" + port, wantHost: "localhost"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, proxy.URL, tc.host, "/api/items?limit=5", strings.NewReader("payload"), tc.header)
			assert.Equal(t, http.StatusCreated, resp.StatusCode)
			assert.Equal(t, "upstream ok", body)
			assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))

			got := receive(t, seen)
			assert.Equal(t, http.MethodPost, got.Method)
			assert.Equal(t, tc.wantHost, got.Host)
			assert.Equal(t, "/api/items", got.Path)
			assert.Equal(t, "limit=5", got.Query)
			assert.Equal(t, "payload", got.Body)
			assert.Equal(t, tc.wantForwardedHost, got.ForwardedHost)
		})
	}
}

func TestServerForwardsHeadersVerbatim(t *testing.T) {
	up, seen := recordingUpstream(t)
	_, proxy := newTestProxy(t, "")

	resp, _ := do(t, http.MethodGet, proxy.URL, portOf(t, up.URL), "/", nil, http.Header{"Cookie": {"session=abc"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "session=abc", receive(t, seen).Cookie)
}

func TestServerRelaysRedirects(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer up.Close()
	_, proxy := newTestProxy(t, "")

	resp, _ := do(t, http.MethodGet, proxy.URL, portOf(t, up.URL), "/private", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestServerStripsContentEncoding(t *testing.T) {
	const text = "hello, compressed world"
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			_, _ = io.WriteString(w, text)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, text)
		_ = zw.Close()
	}))
	defer up.Close()
	_, proxy := newTestProxy(t, "")

	resp, body := do(t, http.MethodGet, proxy.URL, portOf(t, up.URL), "/", nil, http.Header{"Accept-Encoding": {"gzip, br"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, text, body)
}

func TestServerUpstreamUnavailable(t *testing.T) {
	_, proxy := newTestProxy(t, "")

	resp, body := do(t, http.MethodGet, proxy.URL, closedPort(t), "/", nil, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "Gateway Error", body)
}

func TestServerMalformedHost(t *testing.T) {
	_, proxy := newTestProxy(t, "")

	for _, host := range []string{"a..b", "my_app", "api--0", "99999"} {
		t.Run(host, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, proxy.URL, host, "/", nil, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "Bad Request: malformed host", body)
		})
	}
}

func TestServerDomainFilter(t *testing.T) {
	up, seen := recordingUpstream(t)
	port := portOf(t, up.URL)
	_, proxy := newTestProxy(t, "fbi.test")

	t.Run("rejects foreign host", func(t *testing.T) {
		for _, host := range []string{"badsite.com", "notfbi.test", ".fbi.test", port} {
			resp, body := do(t, http.MethodGet, proxy.URL, host, "/", nil, nil)
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode, host)
			assert.Equal(t, "Bad Gateway: Host not allowed", body, host)
		}
		select {
		case s := <-seen:
			t.Fatalf("upstream contacted for rejected host: %+v", s)
		default:
		}
	})

	t.Run("routes stripped subdomain", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, proxy.URL, port+".fbi.test", "/x", nil, nil)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "upstream ok", body)
		got := receive(t, seen)
		assert.Equal(t, "localhost", got.Host)
		assert.Empty(t, got.ForwardedHost)
	})

	t.Run("numeric subdomain reports public host", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, proxy.URL, port+".app.fbi.test", "/", nil, nil)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, port+".app.fbi.test", receive(t, seen).ForwardedHost)
	})

	t.Run("bare domain serves landing page", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, proxy.URL, "fbi.test", "/", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		assert.Contains(t, body, "FBI Proxy")
		assert.Contains(t, body, "3000.fbi.test")
	})

	t.Run("bare domain refuses websocket upgrade", func(t *testing.T) {
		header := http.Header{
			"Upgrade":               {"websocket"},
			"Connection":            {"Upgrade"},
			"Sec-Websocket-Version": {"13"},
			"Sec-Websocket-Key":     {"dGhlIHNhbXBsZSBub25jZQ=="},
		}
		resp, body := do(t, http.MethodGet, proxy.URL, "fbi.test", "/", nil, header)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "WebSocket upgrade failed", body)
	})
}

func TestServerStreamsResponses(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first\n")
		_ = http.NewResponseController(w).Flush()
		<-release
		_, _ = io.WriteString(w, "second\n")
	}))
	defer up.Close()
	defer close(release)
	_, proxy := newTestProxy(t, "")

	req, err := http.NewRequest(http.MethodGet, proxy.URL+"/events", nil)
	require.NoError(t, err)
	req.Host = portOf(t, up.URL)
	resp, err := testClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	line := make(chan string, 1)
	go func() {
		got, _ := bufio.NewReader(resp.Body).ReadString('\n')
		line <- got
	}()
	select {
	case got := <-line:
		assert.Equal(t, "first\n", got)
	case <-time.After(3 * time.Second):
		t.Fatal("first chunk held back until the upstream finished")
	}
}

func TestServerRecordsMetrics(t *testing.T) {
	up, _ := recordingUpstream(t)
	srv, proxy := newTestProxy(t, "")

	do(t, http.MethodGet, proxy.URL, portOf(t, up.URL), "/", nil, nil)
	do(t, http.MethodGet, proxy.URL, "a..b", "/", nil, nil)

	// Counters are updated after the response is written.
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.requests.WithLabelValues(kindHTTP, "201")) == 1 &&
			testutil.ToFloat64(srv.metrics.requests.WithLabelValues(kindMalformed, "400")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Options{})
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListenReportsBindFailure(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ln.Addr().String())
}

func TestClassifyUpstreamError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	assert.ErrorIs(t, classifyUpstreamError(refused), ErrUpstreamConnect)
	assert.ErrorIs(t, classifyUpstreamError(context.DeadlineExceeded), ErrUpstreamConnect)
	assert.ErrorIs(t, classifyUpstreamError(io.ErrUnexpectedEOF), ErrUpstreamProtocol)
	assert.ErrorIs(t, classifyUpstreamError(context.Canceled), errClientCanceled)
	assert.NoError(t, classifyUpstreamError(nil))

	assert.Equal(t, "upstream connection refused", describeUpstreamError(refused))
	assert.Equal(t, "upstream unavailable", describeUpstreamError(io.ErrUnexpectedEOF))
}
