package api

import (
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// requestTracer logs connection phases of a request and remembers when they happened
type requestTracer struct {
	tracer *httptrace.ClientTrace

	dnsStarted  time.Time
	dnsFinished time.Time

	connectStarted  time.Time
	connectFinished time.Time

	tlsStarted  time.Time
	tlsFinished time.Time

	requestWritten   time.Time
	responseReceived time.Time
}

func newRequestTracer(logger log.Logger) *requestTracer {
	result := &requestTracer{}
	debug := level.Debug(logger)

	result.tracer = &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			debug.Log("msg", "resolving", "host", info.Host)
			result.dnsStarted = time.Now()
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			debug.Log("msg", "resolved", "addrs", len(info.Addrs), "err", info.Err)
			result.dnsFinished = time.Now()
		},
		ConnectStart: func(network, addr string) {
			debug.Log("msg", "connecting", "net", network, "addr", addr)
			result.connectStarted = time.Now()
		},
		ConnectDone: func(network, addr string, err error) {
			debug.Log("msg", "connected", "net", network, "addr", addr, "err", err)
			result.connectFinished = time.Now()
		},
		TLSHandshakeStart: func() {
			result.tlsStarted = time.Now()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			debug.Log("msg", "tls handshake done", "version", tls.VersionName(state.Version), "err", err)
			result.tlsFinished = time.Now()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			debug.Log("msg", "got connection", "reused", info.Reused)
		},
		Got1xxResponse: func(code int, _ textproto.MIMEHeader) error {
			debug.Log("msg", "informational response", "code", code)
			return nil
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			result.requestWritten = time.Now()
		},
		GotFirstResponseByte: func() {
			result.responseReceived = time.Now()
		},
	}

	return result
}

func (t *requestTracer) Trace(req *http.Request) *http.Request {
	return req.WithContext(httptrace.WithClientTrace(req.Context(), t.tracer))
}

func phase(start, end time.Time) (time.Duration, bool) {
	if start.IsZero() || end.IsZero() {
		return 0, false
	}
	return end.Sub(start), true
}

// Phases returns durations of the phases that happened during the last request
func (t *requestTracer) Phases() map[string]time.Duration {
	result := map[string]time.Duration{}
	if d, ok := phase(t.dnsStarted, t.dnsFinished); ok {
		result["resolve"] = d
	}
	if d, ok := phase(t.connectStarted, t.connectFinished); ok {
		result["connect"] = d
	}
	if d, ok := phase(t.tlsStarted, t.tlsFinished); ok {
		result["tls"] = d
	}
	if d, ok := phase(t.requestWritten, t.responseReceived); ok {
		result["processing"] = d
	}
	return result
}

func (t *requestTracer) Reset() {
	tracer := t.tracer
	*t = requestTracer{tracer: tracer}
}
