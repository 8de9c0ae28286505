// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-project/gatehouse/allowlist"
	"github.com/gatehouse-project/gatehouse/audit"
	"github.com/gatehouse-project/gatehouse/policy"
)

// dialRecorder counts upstream dials and redirects them to a fixed
// address, so tests can use real hostnames in CONNECT targets without
// DNS.
type dialRecorder struct {
	mu        sync.Mutex
	addresses []string
	redirect  string // when empty, dials fail
}

func (d *dialRecorder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addresses = append(d.addresses, address)
	redirect := d.redirect
	d.mu.Unlock()

	if redirect == "" {
		return nil, fmt.Errorf("no upstream configured for %s", address)
	}
	return (&net.Dialer{}).DialContext(ctx, network, redirect)
}

func (d *dialRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addresses)
}

func writeAllowlistFile(t *testing.T, entries ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist")
	if err := os.WriteFile(path, []byte(strings.Join(entries, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("writing allowlist: %v", err)
	}
	return path
}

type testProxy struct {
	address   string
	dials     *dialRecorder
	auditSink *bytes.Buffer
	auditMu   sync.Mutex
}

// lockedWriter serializes audit writes so the test can read the sink
// while tunnels are still open.
type lockedWriter struct {
	mu     *sync.Mutex
	buffer *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buffer.Write(p)
}

func (tp *testProxy) auditEntries(t *testing.T) []audit.Entry {
	t.Helper()
	tp.auditMu.Lock()
	raw := tp.auditSink.String()
	tp.auditMu.Unlock()

	var entries []audit.Entry
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var entry audit.Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("parsing audit line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func startProxy(t *testing.T, configure func(*Config), entries ...string) *testProxy {
	t.Helper()

	store, err := allowlist.NewStore(writeAllowlistFile(t, entries...), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	tp := &testProxy{dials: &dialRecorder{}, auditSink: &bytes.Buffer{}}
	config := Config{
		Allowlist:   store,
		Audit:       audit.New(&lockedWriter{mu: &tp.auditMu, buffer: tp.auditSink}, nil),
		DialContext: tp.dials.DialContext,
	}
	if configure != nil {
		configure(&config)
	}
	proxy, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	server := &http.Server{Handler: proxy}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	tp.address = listener.Addr().String()
	return tp
}

// connectThrough issues a raw CONNECT and returns the connection and
// the proxy's response.
func connectThrough(t *testing.T, proxyAddress, target string) (net.Conn, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	response, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	return conn, response
}

func TestConnectDeniedHostNeverDialed(t *testing.T) {
	tp := startProxy(t, nil, "api.example.com")

	_, response := connectThrough(t, tp.address, "evil.example.com:443")
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d, want 403", response.StatusCode)
	}
	if got := response.Header.Get(DenyReasonHeader); got != policy.ReasonNotAllowlisted {
		t.Fatalf("deny reason header: got %q, want %q", got, policy.ReasonNotAllowlisted)
	}
	if tp.dials.count() != 0 {
		t.Fatalf("denied CONNECT dialed upstream %d times", tp.dials.count())
	}

	entries := tp.auditEntries(t)
	if len(entries) != 1 {
		t.Fatalf("audit entries: got %d, want 1", len(entries))
	}
	if entries[0].Outcome != audit.OutcomeDenied || entries[0].Decision.Reason != policy.ReasonNotAllowlisted {
		t.Fatalf("audit entry: %+v", entries[0])
	}
	if entries[0].OperationKind != "connect" {
		t.Fatalf("operation kind: got %q", entries[0].OperationKind)
	}
}

func TestConnectDirectIPDenied(t *testing.T) {
	tp := startProxy(t, nil, "api.example.com")

	for _, target := range []string{"93.184.216.34:443", "[2001:db8::1]:443"} {
		t.Run(target, func(t *testing.T) {
			_, response := connectThrough(t, tp.address, target)
			if response.StatusCode != http.StatusForbidden {
				t.Fatalf("status: got %d, want 403", response.StatusCode)
			}
			if got := response.Header.Get(DenyReasonHeader); got != policy.ReasonDirectIPBlocked {
				t.Fatalf("deny reason: got %q, want %q", got, policy.ReasonDirectIPBlocked)
			}
		})
	}
	if tp.dials.count() != 0 {
		t.Fatalf("direct-IP CONNECT dialed upstream %d times", tp.dials.count())
	}
}

func startEchoUpstream(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return listener.Addr().String()
}

func TestConnectTunnelCarriesBytes(t *testing.T) {
	tp := startProxy(t, nil, "api.example.com")
	tp.dials.redirect = startEchoUpstream(t)

	conn, response := connectThrough(t, tp.address, "api.example.com:443")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status: got %d, want 200", response.StatusCode)
	}

	// Not a TLS ClientHello: the proxy finds no SNI and proceeds on the
	// CONNECT-target decision alone.
	payload := []byte("PING gatehouse tunnel\n")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	echoed := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("tunnel read: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("echo mismatch: got %q", echoed)
	}

	if tp.dials.count() != 1 {
		t.Fatalf("dial count: got %d, want 1", tp.dials.count())
	}
	entries := tp.auditEntries(t)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeTunnelOpened {
		t.Fatalf("audit entries: %+v", entries)
	}
}

// clientHelloBytes captures the first TLS record a real client sends
// for the given server name.
func clientHelloBytes(t *testing.T, serverName string) []byte {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go func() {
		tlsConn := tls.Client(clientSide, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		})
		tlsConn.Handshake()
		clientSide.Close()
	}()

	header := make([]byte, 5)
	if _, err := io.ReadFull(serverSide, header); err != nil {
		t.Fatalf("reading hello header: %v", err)
	}
	recordLength := int(header[3])<<8 | int(header[4])
	payload := make([]byte, recordLength)
	if _, err := io.ReadFull(serverSide, payload); err != nil {
		t.Fatalf("reading hello payload: %v", err)
	}
	serverSide.Close()
	return append(header, payload...)
}

func TestSNIMismatchClosesTunnelBeforeDial(t *testing.T) {
	tp := startProxy(t, nil, "api.example.com")
	tp.dials.redirect = startEchoUpstream(t)

	conn, response := connectThrough(t, tp.address, "api.example.com:443")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status: got %d", response.StatusCode)
	}

	hello := clientHelloBytes(t, "other.example.com")
	if _, err := conn.Write(hello); err != nil {
		t.Fatalf("writing hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("tunnel stayed open after SNI mismatch")
	}
	if tp.dials.count() != 0 {
		t.Fatalf("SNI mismatch dialed upstream %d times", tp.dials.count())
	}

	entries := tp.auditEntries(t)
	if len(entries) != 1 {
		t.Fatalf("audit entries: got %d, want 1", len(entries))
	}
	if entries[0].Decision.Reason != policy.ReasonSNIMismatch || entries[0].Outcome != audit.OutcomeDenied {
		t.Fatalf("audit entry: %+v", entries[0])
	}
}

func TestSNIMatchReplaysHelloToUpstream(t *testing.T) {
	tp := startProxy(t, nil, "api.example.com")

	received := make(chan []byte, 1)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	hello := clientHelloBytes(t, "api.example.com")
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		buffer := make([]byte, len(hello))
		io.ReadFull(conn, buffer)
		received <- buffer
		conn.Close()
	}()
	tp.dials.redirect = listener.Addr().String()

	conn, response := connectThrough(t, tp.address, "api.example.com:443")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status: got %d", response.StatusCode)
	}
	if _, err := conn.Write(hello); err != nil {
		t.Fatalf("writing hello: %v", err)
	}

	select {
	case upstreamSaw := <-received:
		if !bytes.Equal(upstreamSaw, hello) {
			t.Fatal("peeked ClientHello not replayed byte-for-byte")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received the ClientHello")
	}
	if tp.dials.count() != 1 {
		t.Fatalf("dial count: got %d, want 1", tp.dials.count())
	}
}

func TestIdleTunnelTimesOut(t *testing.T) {
	tp := startProxy(t, func(c *Config) {
		c.IdleTimeout = 100 * time.Millisecond
		c.PeekTimeout = 100 * time.Millisecond
	}, "api.example.com")
	tp.dials.redirect = startEchoUpstream(t)

	conn, response := connectThrough(t, tp.address, "api.example.com:443")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status: got %d", response.StatusCode)
	}

	// Send nothing. The peek times out, the tunnel opens anyway, and
	// the idle timeout then closes it.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("idle tunnel never closed")
	}
}

// startStreamingUpstream accepts connections and writes one byte every
// interval, never reading.
func startStreamingUpstream(t *testing.T, interval time.Duration) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for range ticker.C {
					if _, err := c.Write([]byte("x")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().String()
}

func TestOneWayTrafficKeepsTunnelAlive(t *testing.T) {
	tp := startProxy(t, func(c *Config) {
		c.IdleTimeout = 150 * time.Millisecond
		c.PeekTimeout = 50 * time.Millisecond
	}, "api.example.com")
	tp.dials.redirect = startStreamingUpstream(t, 25*time.Millisecond)

	conn, response := connectThrough(t, tp.address, "api.example.com:443")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status: got %d", response.StatusCode)
	}

	// The client stays silent while the upstream streams continuously.
	// Downstream-only traffic is activity: the tunnel must survive well
	// past several idle windows of client silence.
	received := make([]byte, 24) // 24 bytes at 25ms apiece spans four idle windows
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if n, err := io.ReadFull(conn, received); err != nil {
		t.Fatalf("one-way tunnel closed mid-stream after %d bytes: %v", n, err)
	}
}

func TestForwardDeniedHost(t *testing.T) {
	tp := startProxy(t, nil, "api.example.com")

	client := &http.Client{Transport: &http.Transport{
		Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: tp.address}),
	}}
	response, err := client.Get("http://evil.example.com/data")
	if err != nil {
		t.Fatalf("proxied GET: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d, want 403", response.StatusCode)
	}
	if got := response.Header.Get(DenyReasonHeader); got != policy.ReasonNotAllowlisted {
		t.Fatalf("deny reason: got %q", got)
	}
	if tp.dials.count() != 0 {
		t.Fatalf("denied forward dialed upstream %d times", tp.dials.count())
	}
	entries := tp.auditEntries(t)
	if len(entries) != 1 || entries[0].OperationKind != "http_forward" {
		t.Fatalf("audit entries: %+v", entries)
	}
}

func TestForwardAllowedHost(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "api.example.com" {
			t.Errorf("backend saw host %q", r.Host)
		}
		fmt.Fprint(w, "backend payload")
	}))
	defer backend.Close()

	tp := startProxy(t, nil, "api.example.com")
	tp.dials.redirect = strings.TrimPrefix(backend.URL, "http://")

	client := &http.Client{Transport: &http.Transport{
		Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: tp.address}),
	}}
	response, err := client.Get("http://api.example.com/data")
	if err != nil {
		t.Fatalf("proxied GET: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", response.StatusCode)
	}
	body, _ := io.ReadAll(response.Body)
	if string(body) != "backend payload" {
		t.Fatalf("body: got %q", body)
	}

	entries := tp.auditEntries(t)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("audit entries: %+v", entries)
	}
}

func TestPeekServerName(t *testing.T) {
	t.Run("extracts SNI from a real ClientHello", func(t *testing.T) {
		hello := clientHelloBytes(t, "api.example.com")
		reader := bufio.NewReaderSize(bytes.NewReader(hello), maxClientHelloPeek+tlsRecordHeaderLength)
		name, found := peekServerName(reader)
		if !found || name != "api.example.com" {
			t.Fatalf("got (%q, %v), want (api.example.com, true)", name, found)
		}

		// Peeking must not consume: the full record is still readable.
		replayed := make([]byte, len(hello))
		if _, err := io.ReadFull(reader, replayed); err != nil {
			t.Fatalf("reading after peek: %v", err)
		}
		if !bytes.Equal(replayed, hello) {
			t.Fatal("peek consumed bytes")
		}
	})

	t.Run("non-TLS bytes yield no name", func(t *testing.T) {
		reader := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n"))
		if name, found := peekServerName(reader); found {
			t.Fatalf("found name %q in plaintext", name)
		}
	})

	t.Run("truncated record yields no name", func(t *testing.T) {
		hello := clientHelloBytes(t, "api.example.com")
		reader := bufio.NewReader(bytes.NewReader(hello[:20]))
		if _, found := peekServerName(reader); found {
			t.Fatal("found name in truncated record")
		}
	})
}

func TestHostNamesMatch(t *testing.T) {
	cases := []struct {
		serverName  string
		connectHost string
		want        bool
	}{
		{"api.example.com", "api.example.com", true},
		{"API.Example.COM", "api.example.com", true},
		{"api.example.com.", "api.example.com", true},
		{"other.example.com", "api.example.com", false},
		{"example.com", "api.example.com", false},
	}
	for _, testCase := range cases {
		if got := hostNamesMatch(testCase.serverName, testCase.connectHost); got != testCase.want {
			t.Errorf("hostNamesMatch(%q, %q) = %v, want %v",
				testCase.serverName, testCase.connectHost, got, testCase.want)
		}
	}
}
