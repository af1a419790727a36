package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentchaos/chaosproxy/pkg/models"
)

// maxBodyBytes caps buffered request and response bodies at 10 MiB.
const maxBodyBytes = 10 << 20

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Server is the forward proxy: absolute-URI HTTP requests plus CONNECT.
// With a CertAuthority configured, CONNECT is terminated and the inner
// HTTPS traffic flows through the pipeline; without one it is tunneled
// uninspected.
type Server struct {
	pipeline  *Pipeline
	ca        *CertAuthority
	transport *http.Transport
	srv       *http.Server
}

// NewServer wires a proxy server on addr. ca may be nil.
func NewServer(addr string, pipeline *Pipeline, ca *CertAuthority) *Server {
	s := &Server{
		pipeline: pipeline,
		ca:       ca,
		transport: &http.Transport{
			// The proxy must reach upstreams directly, never through
			// another proxy picked up from the environment.
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   15 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			// Bodies must reach the tape byte-for-byte; strategies that
			// understand gzip/brotli decode for themselves.
			DisableCompression:  true,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving proxy traffic until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("Proxy listening", "addr", s.srv.Addr, "mitm", s.ca != nil)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight flows.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r)
	case r.URL.IsAbs():
		s.handleHTTP(w, r)
	default:
		http.Error(w, "chaosproxy: absolute-form request required", http.StatusBadRequest)
	}
}

// handleHTTP serves one plain-HTTP flow end to end.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	flow, err := s.buildFlow(r, r.URL)
	if err != nil {
		http.Error(w, "chaosproxy: request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	s.runFlow(r.Context(), flow)
	writeResponse(w, flow.Response)
}

// runFlow drives the pipeline hooks around the upstream round trip.
func (s *Server) runFlow(ctx context.Context, flow *models.Flow) {
	ctx = s.pipeline.OnRequest(ctx, flow)
	if flow.Response == nil {
		s.roundTrip(ctx, flow)
	}
	s.pipeline.OnResponse(ctx, flow)
	if flow.Response == nil {
		// Fail-open floor: never leave the client hanging.
		flow.Response = jsonError(http.StatusBadGateway, `{"error": "Upstream request failed"}`)
	}
}

// buildFlow buffers the request into a Flow, enforcing the body cap.
func (s *Server) buildFlow(r *http.Request, target *url.URL) (*models.Flow, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	header := r.Header.Clone()
	stripHopByHop(header)
	return &models.Flow{
		StartedAt: time.Now(),
		Request: &models.Request{
			Method: r.Method,
			URL:    target,
			Proto:  r.Proto,
			Header: header,
			Body:   body,
		},
	}, nil
}

// roundTrip forwards the (possibly mutated) request upstream and buffers
// the response onto the flow. Upstream failure synthesizes a 502.
func (s *Server) roundTrip(ctx context.Context, flow *models.Flow) {
	req, err := http.NewRequestWithContext(ctx, flow.Request.Method, flow.Request.URL.String(),
		bytes.NewReader(flow.Request.Body))
	if err != nil {
		flow.Response = jsonError(http.StatusBadGateway, `{"error": "Upstream request failed"}`)
		return
	}
	req.Header = flow.Request.Header.Clone()
	stripHopByHop(req.Header)
	req.ContentLength = int64(len(flow.Request.Body))

	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		slog.Error("Upstream request failed",
			"request_id", flow.ID,
			"url", s.pipeline.redactor.RedactURL(flow.Request.URL.String()),
			"error", err)
		flow.Response = jsonError(http.StatusBadGateway, `{"error": "Upstream request failed"}`)
		return
	}
	defer resp.Body.Close()

	s.pipeline.OnResponseHeaders(flow)

	body, truncated, err := readCapped(resp.Body, maxBodyBytes)
	if err != nil {
		slog.Error("Failed to read upstream body", "request_id", flow.ID, "error", err)
		flow.Response = jsonError(http.StatusBadGateway, `{"error": "Upstream request failed"}`)
		return
	}
	if truncated {
		slog.Warn("Upstream body exceeded cap, truncated",
			"request_id", flow.ID,
			"url", s.pipeline.redactor.RedactURL(flow.Request.URL.String()),
			"cap_bytes", maxBodyBytes)
	}
	header := resp.Header.Clone()
	stripHopByHop(header)
	flow.Response = models.NewResponse(resp.StatusCode, header, body)
}

// readCapped buffers up to limit bytes and reports whether the source
// had more.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

// handleConnect either terminates TLS through the CA or blind-tunnels.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.ca == nil {
		s.tunnel(w, r)
		return
	}
	s.intercept(w, r)
}

// tunnel splices bytes between client and upstream without inspection.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, 15*time.Second)
	if err != nil {
		http.Error(w, "chaosproxy: upstream unreachable", http.StatusBadGateway)
		return
	}
	client, _, err := hijack(w)
	if err != nil {
		upstream.Close()
		return
	}
	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	slog.Debug("CONNECT tunneled uninspected", "host", r.Host)
	go func() {
		defer upstream.Close()
		defer client.Close()
		_, _ = io.Copy(upstream, client)
	}()
	go func() {
		defer upstream.Close()
		defer client.Close()
		_, _ = io.Copy(client, upstream)
	}()
}

// intercept terminates the CONNECT with a minted certificate and serves
// the inner HTTPS requests through the pipeline.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	cert, err := s.ca.CertFor(hostname)
	if err != nil {
		slog.Error("Failed to mint certificate", "host", hostname, "error", err)
		http.Error(w, "chaosproxy: certificate error", http.StatusBadGateway)
		return
	}

	client, _, err := hijack(w)
	if err != nil {
		return
	}
	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	tlsConn := tls.Server(client, &tls.Config{Certificates: []tls.Certificate{*cert}})
	defer tlsConn.Close()
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("TLS handshake with client failed", "host", hostname, "error", err)
		return
	}

	br := bufio.NewReader(tlsConn)
	for {
		inner, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		target := &url.URL{
			Scheme:   "https",
			Host:     host,
			Path:     inner.URL.Path,
			RawQuery: inner.URL.RawQuery,
		}
		flow, err := s.buildFlow(inner, target)
		if err != nil {
			writeRaw(tlsConn, jsonError(http.StatusRequestEntityTooLarge, `{"error": "Request body too large"}`))
			continue
		}
		s.runFlow(inner.Context(), flow)
		if err := writeRaw(tlsConn, flow.Response); err != nil {
			return
		}
		if inner.Close {
			return
		}
	}
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "chaosproxy: hijacking unsupported", http.StatusInternalServerError)
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	return conn, rw, nil
}

// writeResponse copies a buffered response back to the client.
func writeResponse(w http.ResponseWriter, resp *models.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	header := w.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	stripHopByHop(header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// writeRaw serializes a buffered response onto a hijacked connection.
func writeRaw(conn io.Writer, resp *models.Response) error {
	if resp == nil {
		resp = jsonError(http.StatusBadGateway, `{"error": "Upstream request failed"}`)
	}
	header := resp.Header.Clone()
	stripHopByHop(header)
	raw := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}
	return raw.Write(conn)
}

func stripHopByHop(h http.Header) {
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			h.Del(token)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
