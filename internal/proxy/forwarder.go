// Package proxy issues the single upstream call of a routed request and
// classifies its outcome.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaregion/internal/backend"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

// Forwarder defaults.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultMaxResponseBody = 10 << 20
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Outcome is a completed upstream call.
type Outcome struct {
	Region   string
	Response *util.BufferedResponse
	Latency  time.Duration
}

// Success reports whether the call counts as a success for health and
// circuit breaking. Server errors count as failures.
func (o *Outcome) Success() bool {
	return o.Response != nil && o.Response.StatusCode < http.StatusInternalServerError
}

// Forwarder sends requests to regions. It makes exactly one attempt per
// call.
type Forwarder struct {
	client          *http.Client
	timeout         atomic.Int64
	maxResponseBody int64
	clock           clockwork.Clock
	logger          observability.Logger
	metrics         *observability.Metrics
	tracer          *observability.Tracer
}

// Option is a functional option for configuring the forwarder.
type Option func(*Forwarder)

// WithClient sets the HTTP client.
func WithClient(client *http.Client) Option {
	return func(f *Forwarder) {
		f.client = client
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Forwarder) {
		f.timeout.Store(int64(timeout))
	}
}

// WithMaxResponseBody sets the largest response body that is buffered.
func WithMaxResponseBody(n int64) Option {
	return func(f *Forwarder) {
		f.maxResponseBody = n
	}
}

// WithClock sets the clock used to measure latency.
func WithClock(clock clockwork.Clock) Option {
	return func(f *Forwarder) {
		f.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(f *Forwarder) {
		f.tracer = tracer
	}
}

// NewForwarder creates a forwarder.
func NewForwarder(opts ...Option) *Forwarder {
	f := &Forwarder{
		client: &http.Client{
			// Redirects are returned to the caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxResponseBody: DefaultMaxResponseBody,
		clock:           clockwork.NewRealClock(),
		logger:          observability.NopLogger(),
	}
	f.timeout.Store(int64(DefaultTimeout))
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Timeout returns the per-call timeout.
func (f *Forwarder) Timeout() time.Duration {
	return time.Duration(f.timeout.Load())
}

// SetTimeout changes the per-call timeout.
func (f *Forwarder) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		f.timeout.Store(int64(timeout))
	}
}

// Forward sends r with body to region. Network errors and timeouts return
// a *ForwardError; upstream responses of any status return an Outcome.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, body []byte, region *backend.Region) (*Outcome, error) {
	timeout := f.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := f.tracer.StartSpan(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("region", region.ID),
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.RequestURI()),
		),
	)
	defer span.End()

	out, err := f.newUpstreamRequest(ctx, r, body, region)
	if err != nil {
		return nil, f.fail(span, region.ID, ReasonBadRequest, err)
	}

	start := f.clock.Now()
	resp, err := f.client.Do(out)
	if err != nil {
		return nil, f.fail(span, region.ID, classify(ctx, err), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBody+1))
	latency := f.clock.Since(start)
	if err != nil {
		return nil, f.fail(span, region.ID, classify(ctx, err), err)
	}
	if int64(len(respBody)) > f.maxResponseBody {
		return nil, f.fail(span, region.ID, ReasonBodyTooLarge, ErrResponseTooLarge)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		f.metrics.RecordForwardFailure(region.ID, "status_"+strconv.Itoa(resp.StatusCode))
	}

	return &Outcome{
		Region: region.ID,
		Response: &util.BufferedResponse{
			StatusCode: resp.StatusCode,
			Header:     header,
			Body:       respBody,
		},
		Latency: latency,
	}, nil
}

// newUpstreamRequest builds the outgoing request: target URL, cleaned
// headers and X-Forwarded-* headers.
func (f *Forwarder) newUpstreamRequest(
	ctx context.Context,
	r *http.Request,
	body []byte,
	region *backend.Region,
) (*http.Request, error) {
	target := *region.BaseURL
	target.Path = singleJoiningSlash(region.BaseURL.Path, r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reader)
	if err != nil {
		return nil, err
	}

	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)

	// Set X-Forwarded headers
	if clientIP := originIP(r); clientIP != "" {
		out.Header.Set("X-Forwarded-For", appendHop(r.Header.Get("X-Forwarded-For"), clientIP))
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else if out.Header.Get("X-Forwarded-Proto") == "" {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	if id := observability.RequestIDFromContext(r.Context()); id != "" {
		out.Header.Set("X-Request-ID", id)
	}
	observability.InjectTraceContext(ctx, out)

	out.Host = target.Host
	return out, nil
}

func (f *Forwarder) fail(span trace.Span, region, reason string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	f.metrics.RecordForwardFailure(region, reason)
	f.logger.Warn("upstream request failed",
		observability.String("region", region),
		observability.String("reason", reason),
		observability.Error(err),
	)
	if reason == ReasonTimeout {
		err = fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return &ForwardError{Region: region, Reason: reason, Cause: err}
}

func classify(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetwork
}

// removeHopHeaders deletes hop-by-hop headers, including any named by the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// originIP returns the client address resolved upstream of the forwarder,
// or the direct peer.
func originIP(r *http.Request) string {
	if ip := observability.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return ip
}

// appendHop adds ip to an X-Forwarded-For chain unless it is already the
// last hop.
func appendHop(chain, ip string) string {
	if chain == "" {
		return ip
	}
	hops := strings.Split(chain, ",")
	if strings.TrimSpace(hops[len(hops)-1]) == ip {
		return chain
	}
	return chain + ", " + ip
}
