// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package egress is the gateway's forward proxy. It is the only network
// path out of the agent segment: workloads reach external hosts through
// HTTP CONNECT tunnels (or absolute-URI plain HTTP), and every attempt
// is checked against the domain allowlist before any upstream
// connection is dialed.
//
// For CONNECT tunnels the proxy additionally peeks the TLS ClientHello
// after the tunnel is established and compares the SNI host name
// against the CONNECT target, closing tunnels whose inner TLS
// negotiation names a different host than the one the policy approved.
// The proxy never terminates TLS; peeked bytes are replayed to the
// upstream byte-for-byte.
package egress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gatehouse-project/gatehouse/allowlist"
	"github.com/gatehouse-project/gatehouse/audit"
	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/netutil"
	"github.com/gatehouse-project/gatehouse/policy"
)

// DenyReasonHeader carries the policy denial reason on 403 responses so
// agents can distinguish "not on the allowlist" from "malformed target"
// without parsing bodies.
const DenyReasonHeader = "X-Gateway-Deny-Reason"

const (
	// DefaultPeekTimeout bounds how long the proxy waits for the
	// client's first TLS record after a CONNECT is established.
	DefaultPeekTimeout = 5 * time.Second

	// DefaultIdleTimeout closes tunnels with no traffic in either
	// direction for this long.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultConnectTimeout bounds the upstream dial.
	DefaultConnectTimeout = 30 * time.Second
)

// Config configures a Proxy.
type Config struct {
	// Allowlist is the live domain allowlist. Required.
	Allowlist *allowlist.Store

	// Audit receives one entry per egress attempt. Required.
	Audit *audit.Logger

	// DialContext dials upstream connections. Defaults to a net.Dialer
	// bounded by ConnectTimeout. Tests substitute recorders.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)

	PeekTimeout    time.Duration
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration

	// Clock defaults to clock.Real(). Used for audit durations; network
	// deadlines always use the wall clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Proxy is the egress forward proxy. It implements http.Handler: serve
// it with an http.Server listening on the proxy port.
type Proxy struct {
	allowlist      *allowlist.Store
	audit          *audit.Logger
	dialContext    func(ctx context.Context, network, address string) (net.Conn, error)
	peekTimeout    time.Duration
	idleTimeout    time.Duration
	connectTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	transport      *http.Transport
}

// New validates the configuration and returns a Proxy.
func New(config Config) (*Proxy, error) {
	if config.Allowlist == nil {
		return nil, fmt.Errorf("egress: Allowlist is required")
	}
	if config.Audit == nil {
		return nil, fmt.Errorf("egress: Audit is required")
	}

	proxy := &Proxy{
		allowlist:      config.Allowlist,
		audit:          config.Audit,
		dialContext:    config.DialContext,
		peekTimeout:    config.PeekTimeout,
		idleTimeout:    config.IdleTimeout,
		connectTimeout: config.ConnectTimeout,
		clock:          config.Clock,
		logger:         config.Logger,
	}
	if proxy.peekTimeout <= 0 {
		proxy.peekTimeout = DefaultPeekTimeout
	}
	if proxy.idleTimeout <= 0 {
		proxy.idleTimeout = DefaultIdleTimeout
	}
	if proxy.connectTimeout <= 0 {
		proxy.connectTimeout = DefaultConnectTimeout
	}
	if proxy.clock == nil {
		proxy.clock = clock.Real()
	}
	if proxy.logger == nil {
		proxy.logger = slog.Default()
	}
	if proxy.dialContext == nil {
		dialer := &net.Dialer{Timeout: proxy.connectTimeout}
		proxy.dialContext = dialer.DialContext
	}

	// The plain-HTTP forwarding path reuses upstream connections; the
	// transport shares the proxy's dialer so tests observe every dial.
	proxy.transport = &http.Transport{
		DialContext:           proxy.dialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: proxy.idleTimeout,
	}
	return proxy, nil
}

var _ http.Handler = (*Proxy)(nil)

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

// handleConnect serves a CONNECT tunnel: policy check, 200, SNI peek,
// upstream dial, bidirectional splice.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	started := p.clock.Now()
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	snapshot := p.allowlist.Snapshot()
	decision := policy.DecideConnect(target, snapshot)
	if !decision.Allow {
		p.deny(w, r, "connect", target, decision, started)
		return
	}

	clientConn, clientReader, err := p.establishTunnel(w)
	if err != nil {
		p.logger.Error("CONNECT hijack failed", "target", target, "error", err)
		http.Error(w, "tunneling unsupported", http.StatusInternalServerError)
		return
	}

	if ok := p.tunnel(r, clientConn, clientReader, target, started); !ok {
		clientConn.Close()
	}
}

// establishTunnel hijacks the client connection and confirms the
// tunnel. The returned reader may hold bytes the client sent early.
func (p *Proxy) establishTunnel(w http.ResponseWriter) (net.Conn, *bufio.Reader, error) {
	clientConn, buffered, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, nil, err
	}
	if _, err := buffered.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		clientConn.Close()
		return nil, nil, err
	}
	if err := buffered.Flush(); err != nil {
		clientConn.Close()
		return nil, nil, err
	}

	// Replace the server's read buffer with one large enough to hold a
	// full ClientHello record for the SNI peek. Any bytes the client
	// pipelined behind the CONNECT are carried over.
	readerSize := maxClientHelloPeek + tlsRecordHeaderLength
	reader := bufio.NewReaderSize(clientConn, readerSize)
	if pending := buffered.Reader.Buffered(); pending > 0 {
		carried := make([]byte, pending)
		io.ReadFull(buffered.Reader, carried)
		reader = bufio.NewReaderSize(io.MultiReader(bytes.NewReader(carried), clientConn), readerSize)
	}
	return clientConn, reader, nil
}

// tunnel runs the post-200 phase of a CONNECT: SNI verification,
// upstream dial, audit, splice. Returns false when the client
// connection should be torn down by the caller.
func (p *Proxy) tunnel(r *http.Request, clientConn net.Conn, clientReader *bufio.Reader, target string, started time.Time) bool {
	connectHost, _, err := net.SplitHostPort(target)
	if err != nil {
		connectHost = target
	}

	clientConn.SetReadDeadline(time.Now().Add(p.peekTimeout))
	serverName, hasSNI := peekServerName(clientReader)
	clientConn.SetReadDeadline(time.Time{})

	if hasSNI && !hostNamesMatch(serverName, connectHost) {
		decision := policy.Deny(policy.ReasonSNIMismatch)
		p.appendAudit(audit.Entry{
			SourceIdentity: r.RemoteAddr,
			OperationKind:  "connect",
			Request:        tunnelRequest{Target: target, ServerName: serverName},
			Decision:       decision,
			Outcome:        audit.OutcomeDenied,
			DurationMS:     p.clock.Now().Sub(started).Milliseconds(),
		})
		p.logger.Warn("tunnel closed on SNI mismatch",
			"target", target,
			"server_name", serverName,
			"client", r.RemoteAddr,
		)
		return false
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	defer cancel()
	upstreamConn, err := p.dialContext(dialCtx, "tcp", target)
	if err != nil {
		p.appendAudit(audit.Entry{
			SourceIdentity: r.RemoteAddr,
			OperationKind:  "connect",
			Request:        tunnelRequest{Target: target, ServerName: serverName},
			Decision:       policy.Decision{Allow: true, Reason: policy.ReasonOK},
			Outcome:        audit.OutcomeTunnelError,
			DurationMS:     p.clock.Now().Sub(started).Milliseconds(),
		})
		p.logger.Warn("upstream dial failed", "target", target, "error", err)
		return false
	}

	if err := p.appendAudit(audit.Entry{
		SourceIdentity: r.RemoteAddr,
		OperationKind:  "connect",
		Request:        tunnelRequest{Target: target, ServerName: serverName},
		Decision:       policy.Decision{Allow: true, Reason: policy.ReasonOK},
		Outcome:        audit.OutcomeTunnelOpened,
		DurationMS:     p.clock.Now().Sub(started).Milliseconds(),
	}); err != nil {
		// No bytes may flow without an audit record.
		upstreamConn.Close()
		return false
	}

	spliceErr := p.splice(clientConn, &peekDeadlineReader{reader: clientReader}, upstreamConn)
	if spliceErr != nil {
		p.logger.Warn("tunnel terminated abnormally", "target", target, "error", spliceErr)
	}
	return true
}

// splice runs the bidirectional copy with idle-timeout enforcement.
// Bytes moving in either direction count as activity; the watchdog
// tears the tunnel down only when both directions have been silent for
// the full idle window.
func (p *Proxy) splice(clientConn net.Conn, clientReader io.Reader, upstreamConn net.Conn) error {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go idleWatchdog(&lastActivity, p.idleTimeout, watchdogDone, clientConn, upstreamConn)

	clientSide := &activityReader{reader: clientReader, lastActivity: &lastActivity}
	upstreamSide := &activityReader{reader: upstreamConn, lastActivity: &lastActivity}
	return netutil.SpliceReaders(clientConn, clientSide, upstreamConn, upstreamSide)
}

// peekDeadlineReader retries the read once when it surfaces the
// deadline error a timed-out SNI peek leaves latched in the buffered
// reader. The peek deadline is already cleared at that point, so the
// retry blocks on live data.
type peekDeadlineReader struct {
	reader  io.Reader
	retried bool
}

func (r *peekDeadlineReader) Read(buffer []byte) (int, error) {
	n, err := r.reader.Read(buffer)
	if err != nil && n == 0 && !r.retried && errors.Is(err, os.ErrDeadlineExceeded) {
		r.retried = true
		return r.reader.Read(buffer)
	}
	r.retried = true
	return n, err
}

// tunnelRequest is the audit payload for CONNECT attempts.
type tunnelRequest struct {
	Target     string `json:"target"`
	ServerName string `json:"serverName,omitempty"`
}

// handleForward proxies an absolute-URI plain HTTP request.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	started := p.clock.Now()

	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute-form request target", http.StatusBadRequest)
		return
	}

	target := r.URL.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		port := "80"
		if r.URL.Scheme == "https" {
			port = "443"
		}
		target = net.JoinHostPort(target, port)
	}

	snapshot := p.allowlist.Snapshot()
	decision := policy.DecideConnect(target, snapshot)
	if !decision.Allow {
		p.deny(w, r, "http_forward", target, decision, started)
		return
	}

	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	stripHopByHopHeaders(outbound.Header)

	response, err := p.transport.RoundTrip(outbound)
	if err != nil {
		p.appendAudit(audit.Entry{
			SourceIdentity: r.RemoteAddr,
			OperationKind:  "http_forward",
			Request:        forwardRequest{Method: r.Method, URL: r.URL.String()},
			Decision:       decision,
			Outcome:        audit.OutcomeTunnelError,
			DurationMS:     p.clock.Now().Sub(started).Milliseconds(),
		})
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer response.Body.Close()

	if err := p.appendAudit(audit.Entry{
		SourceIdentity: r.RemoteAddr,
		OperationKind:  "http_forward",
		Request:        forwardRequest{Method: r.Method, URL: r.URL.String()},
		Decision:       decision,
		Outcome:        audit.OutcomeSuccess,
		DurationMS:     p.clock.Now().Sub(started).Milliseconds(),
	}); err != nil {
		http.Error(w, "audit log unavailable", http.StatusInternalServerError)
		return
	}

	stripHopByHopHeaders(response.Header)
	for key, values := range response.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(response.StatusCode)
	if _, err := io.Copy(w, response.Body); err != nil {
		p.logger.Warn("forward response copy interrupted", "url", r.URL.String(), "error", err)
	}
}

// forwardRequest is the audit payload for plain HTTP forwards.
type forwardRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// deny writes the audit entry and the 403 response for a policy denial.
// No upstream connection exists at this point.
func (p *Proxy) deny(w http.ResponseWriter, r *http.Request, kind, target string, decision policy.Decision, started time.Time) {
	p.appendAudit(audit.Entry{
		SourceIdentity: r.RemoteAddr,
		OperationKind:  kind,
		Request:        tunnelRequest{Target: target},
		Decision:       decision,
		Outcome:        audit.OutcomeDenied,
		DurationMS:     p.clock.Now().Sub(started).Milliseconds(),
	})
	p.logger.Info("egress denied",
		"kind", kind,
		"target", target,
		"reason", decision.Reason,
		"client", r.RemoteAddr,
	)

	w.Header().Set(DenyReasonHeader, decision.Reason)
	http.Error(w, decision.Reason, http.StatusForbidden)
}

// appendAudit writes an entry, logging append failures. Callers on the
// allow path treat a non-nil return as a reason to abort the operation.
func (p *Proxy) appendAudit(entry audit.Entry) error {
	if err := p.audit.Append(entry); err != nil {
		p.logger.Error("audit append failed", "error", err)
		return err
	}
	return nil
}

// hostNamesMatch compares a TLS server name against the CONNECT host,
// ignoring case and a trailing dot.
func hostNamesMatch(serverName, connectHost string) bool {
	return strings.EqualFold(strings.TrimSuffix(serverName, "."), strings.TrimSuffix(connectHost, "."))
}

// hopByHopHeaders are connection-scoped headers that must not be
// forwarded upstream or back to the client.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHopHeaders(header http.Header) {
	for _, name := range header.Values("Connection") {
		header.Del(strings.TrimSpace(name))
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}
