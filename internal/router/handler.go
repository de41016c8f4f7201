package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaregion/internal/analytics"
	"github.com/vyrodovalexey/avaregion/internal/backend"
	"github.com/vyrodovalexey/avaregion/internal/cache"
	"github.com/vyrodovalexey/avaregion/internal/coalesce"
	"github.com/vyrodovalexey/avaregion/internal/metrics/region"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

const (
	cacheHit  = "HIT"
	cacheMiss = "MISS"

	// labelCache is the region label of requests answered from the cache.
	labelCache = "cache"
	// labelNone is the region label of requests no region served.
	labelNone = "none"
)

// Headers owned by the router. Upstream values are dropped on replay.
var routerHeaders = []string{HeaderServedBy, HeaderCache, HeaderCoalesced, HeaderFallbackRegion}

// served describes how a request was answered.
type served struct {
	region   string
	cache    string
	source   coalesce.Source
	fallback bool
}

func (s served) label() string {
	switch {
	case s.cache == cacheHit:
		return labelCache
	case s.region == "":
		return labelNone
	default:
		return s.region
	}
}

// ServeHTTP routes one request.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := r.clock.Now()

	ctx := observability.ExtractTraceContext(req.Context(), req)
	ctx, span := r.tracer.StartSpan(ctx, "router.route",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.URL.RequestURI()),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	st := r.settings.Load()
	client := st.clients.Identify(req)
	req = req.WithContext(observability.ContextWithClientIP(ctx, st.clients.OriginIP(req)))
	rw := util.NewStatusCapturingResponseWriter(w)

	info, err := r.route(rw, req, st, client)
	if err != nil {
		r.writeError(rw, req, err)
	}

	status := rw.StatusCode
	duration := r.clock.Since(start)
	r.metrics.RecordRequest(req.Method, info.label(), status, duration)

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.String("region", info.region),
	)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}

	r.emitCompleted(ctx, req, client, info, status, duration)
}

// route runs the routing pipeline. A returned error has not been written
// to w yet.
func (r *Router) route(w http.ResponseWriter, req *http.Request, st *settings, client string) (served, error) {
	ctx := req.Context()
	var info served

	if st.rateLimit {
		res := r.c.Limiter.Allow(ctx, client, req.URL.Path)
		if res.Limit > 0 {
			w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
			w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			return info, util.NewRoutingError(util.KindRateLimited, "", nil)
		}
	}

	cacheable := st.cache && cache.Cacheable(req)
	if cacheable {
		if hit, ok := r.c.Cache.Get(ctx, req); ok {
			info.cache = cacheHit
			w.Header().Set(HeaderCache, cacheHit)
			r.replay(w, req, hit.Response)
			return info, nil
		}
		info.cache = cacheMiss
		w.Header().Set(HeaderCache, cacheMiss)
	}

	body, err := readBody(req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			util.WriteJSON(w, http.StatusRequestEntityTooLarge, util.ErrorBody{Error: "request entity too large"})
			return info, nil
		}
		util.WriteJSON(w, http.StatusBadRequest, util.ErrorBody{Error: "invalid request body"})
		return info, nil
	}

	candidates, err := r.c.Health.Healthy(ctx)
	if err != nil {
		return info, util.NewRoutingError(util.KindInternal, "", err)
	}

	target, err := r.c.Selector.Select(ctx, candidates, edgeHint(req, st.edgeHeader))
	switch {
	case errors.Is(err, util.ErrNoHealthyUpstream):
		return info, util.NewRoutingError(util.KindNoHealthyUpstream, "", nil)
	case err != nil:
		return info, util.NewRoutingError(util.KindInternal, "", err)
	}

	target, fallback, err := r.admit(ctx, target, candidates)
	if err != nil {
		return info, err
	}

	res, source, err := r.c.Coalescer.Do(ctx, req, r.forward(req, body, target, fallback))
	if err != nil {
		info.region = target.ID
		if rerr := util.AsRoutingError(err); rerr != nil {
			return info, rerr
		}
		return info, util.NewRoutingError(util.KindInternal, target.ID, err)
	}

	info.region = res.Region
	info.source = source
	info.fallback = res.Fallback

	h := w.Header()
	h.Set(HeaderServedBy, res.Region)
	if source != coalesce.SourceNone {
		h.Set(HeaderCoalesced, "true")
	}
	if res.Fallback {
		h.Set(HeaderFallbackRegion, "true")
	}
	r.replay(w, req, res.Response)

	if cacheable && source == coalesce.SourceNone {
		r.c.Cache.Populate(ctx, req, res.Response)
	}
	return info, nil
}

// admit returns target when its circuit lets traffic through, else the
// lowest latency healthy region whose circuit does.
func (r *Router) admit(
	ctx context.Context,
	target *backend.Region,
	candidates []backend.Candidate,
) (*backend.Region, bool, error) {
	ok, err := r.c.Breakers.Allow(ctx, target.ID)
	if err != nil {
		return nil, false, util.NewRoutingError(util.KindInternal, target.ID, err)
	}
	if ok {
		return target, false, nil
	}

	fallback := backend.LowestLatency(candidates, func(c *backend.Region) bool {
		if c.ID == target.ID {
			return false
		}
		allowed, err := r.c.Breakers.Allow(ctx, c.ID)
		return err == nil && allowed
	})
	if fallback == nil {
		return nil, false, util.NewRoutingError(util.KindCircuitOpenNoFallback, target.ID, nil)
	}

	r.metrics.RecordFallback(target.ID, fallback.ID)
	r.logger.WithContext(ctx).Info("circuit open, routing to fallback region",
		observability.String("region", target.ID),
		observability.String("fallback", fallback.ID),
	)
	return fallback, true, nil
}

// forward returns the upstream call shared through the coalescer.
func (r *Router) forward(req *http.Request, body []byte, target *backend.Region, fallback bool) coalesce.Func {
	return func(ctx context.Context) (*coalesce.Result, error) {
		if err := r.c.Collector.Begin(ctx, target.ID); err != nil {
			r.logger.WithContext(ctx).Warn("failed to record connection start",
				observability.String("region", target.ID),
				observability.Error(err),
			)
		}

		start := r.clock.Now()
		out, err := r.c.Forwarder.Forward(ctx, req, body, target)
		latency := r.clock.Since(start)

		r.recordOutcome(ctx, target.ID, latency, err == nil && out.Success())
		if err != nil {
			return nil, util.NewRoutingError(util.KindForwardingFailure, target.ID, err)
		}
		return &coalesce.Result{Response: out.Response, Region: target.ID, Fallback: fallback}, nil
	}
}

// recordOutcome feeds a finished upstream call to the load metrics and the
// circuit breaker. Failures to record are logged and never fail the
// request.
func (r *Router) recordOutcome(ctx context.Context, regionID string, latency time.Duration, success bool) {
	logger := r.logger.WithContext(ctx).With(observability.String("region", regionID))

	if err := r.c.Collector.Record(ctx, regionID, latency, success); err != nil {
		logger.Warn("failed to record load metrics", observability.Error(err))
	}
	if err := r.c.Collector.RecordOperation(ctx, region.OpForward, 1, latency); err != nil {
		logger.Warn("failed to record operation", observability.Error(err))
	}

	var err error
	if success {
		err = r.c.Breakers.RecordSuccess(ctx, regionID)
	} else {
		err = r.c.Breakers.RecordFailure(ctx, regionID)
	}
	if err != nil {
		logger.Warn("failed to record circuit outcome",
			observability.Bool("success", success),
			observability.Error(err),
		)
	}
}

// replay writes resp to w without the router owned headers resp may carry.
func (r *Router) replay(w http.ResponseWriter, req *http.Request, resp *util.BufferedResponse) {
	out := resp.Clone()
	for _, k := range routerHeaders {
		out.Header.Del(k)
	}
	if err := out.Replay(w); err != nil {
		r.logger.WithContext(req.Context()).Debug("failed to write response",
			observability.String("path", req.URL.Path),
			observability.Error(err),
		)
	}
}

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	rerr := util.AsRoutingError(err)
	if rerr == nil {
		rerr = util.NewRoutingError(util.KindInternal, "", err)
	}

	logger := r.logger.WithContext(req.Context())
	fields := []observability.Field{
		observability.String("kind", rerr.Kind.String()),
		observability.String("method", req.Method),
		observability.String("path", req.URL.Path),
	}
	if rerr.Region != "" {
		fields = append(fields, observability.String("region", rerr.Region))
	}

	switch rerr.Kind {
	case util.KindInternal:
		logger.Error("internal routing error", append(fields, observability.Error(rerr))...)
	case util.KindRateLimited:
		logger.Debug("request rate limited", fields...)
	default:
		logger.Warn("request not routed", append(fields, observability.Error(rerr))...)
	}

	util.WriteError(w, rerr)
}

func (r *Router) emitCompleted(
	ctx context.Context,
	req *http.Request,
	client string,
	info served,
	status int,
	duration time.Duration,
) {
	if r.c.Sink == nil || !r.c.Sampler.Sample() {
		return
	}

	event := analytics.Event{
		Type:   analytics.EventRequestCompleted,
		Time:   r.clock.Now(),
		Region: info.region,
		Data: map[string]any{
			"method":      req.Method,
			"path":        req.URL.Path,
			"status":      status,
			"duration_ms": float64(duration) / float64(time.Millisecond),
			"client":      client,
			"cache":       info.cache,
			"coalesced":   string(info.source),
			"fallback":    info.fallback,
		},
	}
	if err := r.c.Sink.Emit(ctx, event); err != nil {
		r.logger.Debug("failed to emit analytics event", observability.Error(err))
	}
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
