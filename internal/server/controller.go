package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/instrumentation"
	"github.com/teemow/jmapgate/internal/logging"
)

// HandlerFunc serves one route. Returning a *ProcessorError sends its
// status; any other error is answered with 500.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Processor registers its routes and service endpoints on a Controller.
type Processor interface {
	Register(c *Controller)
}

// Service endpoint keys of the login success payload.
const (
	EndpointAPI         = "apiUrl"
	EndpointUpload      = "uploadUrl"
	EndpointDownload    = "downloadUrl"
	EndpointEventSource = "eventSourceUrl"
)

var endpointKeys = []string{EndpointAPI, EndpointUpload, EndpointDownload, EndpointEventSource}

const (
	allowedMethods = "GET, POST, OPTIONS"
	cspPolicy      = "default-src *"
	headerRequest  = "X-Request-Id"
)

// Options configures a Controller.
type Options struct {
	// BasePath is the path prefix the gateway is mounted under (default "/").
	BasePath string
	// BaseURL overrides the scheme and host used for absolute URLs.
	BaseURL string
	Bus     *events.Bus
	Logger  *slog.Logger
	Metrics *instrumentation.Metrics
}

// Controller is the HTTP entry point. It applies the CORS and CSP
// policy, routes requests to processors, maps errors to statuses and
// runs the process lifecycle hooks.
type Controller struct {
	basePath string
	baseURL  string
	bus      *events.Bus
	logger   *slog.Logger
	metrics  *instrumentation.Metrics

	mu          sync.RWMutex
	routes      *routeTable
	endpoints   map[string]string
	completions []func(context.Context)
}

// NewController creates a Controller with no routes.
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}

	basePath := "/" + strings.Trim(opts.BasePath, "/")
	if basePath != "/" {
		basePath += "/"
	}

	return &Controller{
		basePath:  basePath,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		bus:       opts.Bus,
		logger:    opts.Logger.With(slog.String("component", "controller")),
		metrics:   opts.Metrics,
		routes:    newRouteTable(),
		endpoints: make(map[string]string),
	}
}

// Bus returns the lifecycle event bus.
func (c *Controller) Bus() *events.Bus { return c.bus }

// AddProcessor lets p register its routes.
func (c *Controller) AddProcessor(p Processor) {
	p.Register(c)
}

// Handle routes pattern to h. Patterns are relative to the base path and
// may contain {name} placeholders. An empty methods list allows any method.
func (c *Controller) Handle(pattern string, h HandlerFunc, methods ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes.add(&route{pattern: strings.Trim(pattern, "/"), handler: h, methods: methods})
}

// SetEndpoint binds a service endpoint key to a route pattern.
func (c *Controller) SetEndpoint(key, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[key] = pattern
}

// OnComplete registers fn to run after each response has been written.
func (c *Controller) OnComplete(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = append(c.completions, fn)
}

// URL returns the absolute URL of a route pattern for the current request.
func (c *Controller) URL(r *http.Request, pattern string) string {
	base := c.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host + strings.TrimSuffix(c.basePath, "/")
	}
	return base + "/" + strings.TrimPrefix(pattern, "/")
}

// Endpoints returns the absolute service endpoint URLs. Keys no processor
// registered map to "".
func (c *Controller) Endpoints(r *http.Request) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(endpointKeys))
	for _, key := range endpointKeys {
		out[key] = ""
		if pattern, ok := c.endpoints[key]; ok {
			out[key] = c.URL(r, pattern)
		}
	}
	return out
}

func (c *Controller) relativePath(path string) (string, bool) {
	if !strings.HasPrefix(path+"/", c.basePath) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(path+"/", c.basePath), "/"), true
}

// ServeHTTP implements http.Handler.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	reqID := r.Header.Get(headerRequest)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	logger := logging.WithRequestID(c.logger, reqID)
	ctx, span := instrumentation.StartSpan(r.Context(), "http.request",
		attribute.String(instrumentation.SpanAttrHTTPMethod, r.Method))
	defer span.End()
	r = r.WithContext(ctx)

	resp := newResponse()
	resp.Header().Set(headerRequest, reqID)

	c.bus.Emit(ctx, events.ProcessBefore, &RequestEvent{Request: r, RequestID: reqID})
	applyPolicy(resp.Header(), r)

	label := "unmatched"
	if r.Method == http.MethodOptions {
		label = "options"
		resp.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		if hdrs := r.Header.Get("Access-Control-Request-Headers"); hdrs != "" {
			resp.Header().Set("Access-Control-Allow-Headers", hdrs)
		}
		resp.WriteHeader(http.StatusNoContent)
	} else {
		var err error
		label, err = c.dispatch(resp, r)
		if err != nil {
			c.handleError(ctx, logger, resp, r, reqID, err)
		}
	}

	c.bus.Emit(ctx, events.ProcessAfter, &ResponseEvent{Request: r, RequestID: reqID, Route: label, Response: resp})

	if err := resp.flush(w); err != nil {
		logger.DebugContext(ctx, "failed to write response", logging.Err(err))
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	status := resp.Status()
	span.SetAttributes(
		attribute.String(instrumentation.SpanAttrHTTPRoute, label),
		attribute.Int(instrumentation.SpanAttrHTTPStatus, status))
	if status >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, fmt.Errorf("status %d", status))
	}
	c.metrics.RecordHTTPRequest(ctx, r.Method, label, status, time.Since(start))
	logger.DebugContext(ctx, "request served",
		slog.String("method", r.Method),
		slog.String("route", label),
		slog.Int("status", status),
		slog.String(logging.KeyTraceID, instrumentation.GetTraceID(ctx)),
		slog.Duration(logging.KeyDuration, time.Since(start)))

	c.mu.RLock()
	completions := c.completions
	c.mu.RUnlock()
	done := context.WithoutCancel(ctx)
	for _, fn := range completions {
		fn(done)
	}
}

func (c *Controller) dispatch(resp *Response, r *http.Request) (label string, err error) {
	path, ok := c.relativePath(r.URL.Path)
	if !ok {
		return "unmatched", NotFound("no route for " + r.URL.Path)
	}

	c.mu.RLock()
	rt, params, found := c.routes.match(path)
	c.mu.RUnlock()
	if !found {
		return "unmatched", NotFound("no route for " + r.URL.Path)
	}
	if !rt.allows(r.Method) {
		return rt.pattern, MethodNotAllowed(r.Method+" not allowed").
			WithHeader("Allow", strings.Join(rt.methods, ", "))
	}

	if len(params) > 0 {
		r = r.WithContext(withParams(r.Context(), params))
	}

	label = rt.pattern
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return label, rt.handler(resp, r)
}

func (c *Controller) handleError(ctx context.Context, logger *slog.Logger, resp *Response, r *http.Request, reqID string, err error) {
	ev := &ErrorEvent{Request: r, RequestID: reqID, Err: err, Status: http.StatusInternalServerError}

	var perr *ProcessorError
	if errors.As(err, &perr) {
		ev.Status = perr.Status
		logger.DebugContext(ctx, "request rejected", slog.Int("status", perr.Status), logging.Err(err))
	} else {
		logger.ErrorContext(ctx, "request failed", logging.Err(err))
	}

	c.bus.Emit(ctx, events.ProcessError, ev)

	resp.reset()
	if perr != nil {
		for k, vs := range perr.Header {
			for _, v := range vs {
				resp.Header().Add(k, v)
			}
		}
		_ = WriteJSON(resp, ev.Status, map[string]string{
			"error":             perr.Code,
			"error_description": perr.Description,
		})
		return
	}
	resp.WriteHeader(ev.Status)
}

func applyPolicy(h http.Header, r *http.Request) {
	if r.Header.Get("Origin") != "" {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	h.Set("Content-Security-Policy", cspPolicy)
	h.Set("X-Content-Security-Policy", cspPolicy)
}

// RequestEvent is the payload of process:before.
type RequestEvent struct {
	Request   *http.Request
	RequestID string
}

func (e *RequestEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String(logging.KeyRequestID, e.RequestID),
		slog.String("method", e.Request.Method),
		slog.String("path", e.Request.URL.Path),
	}
}

// ResponseEvent is the payload of process:after. Hooks may edit Response.
type ResponseEvent struct {
	Request   *http.Request
	RequestID string
	Route     string
	Response  *Response
}

func (e *ResponseEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String(logging.KeyRequestID, e.RequestID),
		slog.String("route", e.Route),
		slog.Int("status", e.Response.Status()),
	}
}

// ErrorEvent is the payload of process:error. Hooks may change Status.
type ErrorEvent struct {
	Request   *http.Request
	RequestID string
	Err       error
	Status    int
}

func (e *ErrorEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String(logging.KeyRequestID, e.RequestID),
		slog.Int("status", e.Status),
		logging.Err(e.Err),
	}
}
