package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/caffeineduck/lswasm/filter"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// Response is what the server writes back for one request.
type Response struct {
	StatusCode int
	Headers    [][2]string
	Body       []byte
}

// Handler runs parsed requests through the filter pipeline.
type Handler struct {
	mgr      *filter.Manager
	pipeline *filter.Pipeline
	logger   *zap.Logger
}

// NewHandler returns a Handler over the modules of mgr.
func NewHandler(mgr *filter.Manager, pipeline *filter.Pipeline, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{mgr: mgr, pipeline: pipeline, logger: logger}
}

// Handle allocates a context id for req, drives every module through the
// request phases and builds the response. A local response captured from
// a filter replaces the default diagnostic one entirely.
func (h *Handler) Handle(ctx context.Context, req *http.Request, body []byte) (*Response, error) {
	id, err := h.mgr.NextContextID()
	if err != nil {
		return nil, err
	}

	modules := h.mgr.ListModules()
	def := defaultResponse(req, id, modules)
	stream := &filter.Stream{
		RequestHeaders:  requestHeaders(req),
		RequestBody:     body,
		ResponseHeaders: def.Headers,
		ResponseBody:    def.Body,
	}

	res := h.pipeline.Run(ctx, id, stream)
	if res.Local == nil {
		h.logger.Debug("request served",
			zap.Uint32("context_id", id),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("errors", len(res.Errors)),
		)
		return def, nil
	}

	h.logger.Debug("request answered by filter",
		zap.Uint32("context_id", id),
		zap.String("module", res.Responder),
		zap.Stringer("phase", res.Phase),
		zap.Uint32("status", res.Local.StatusCode),
		zap.Bool("short_circuit", res.ShortCircuit),
	)
	return &Response{
		StatusCode: int(res.Local.StatusCode),
		Headers:    slices.Clone(res.Local.Headers),
		Body:       res.Local.Body,
	}, nil
}

// requestHeaders flattens req into proxy-wasm header pairs, pseudo-headers
// first, names lowercased.
func requestHeaders(req *http.Request) [][2]string {
	pairs := [][2]string{
		{":method", req.Method},
		{":path", req.RequestURI},
		{":authority", req.Host},
	}
	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, v := range req.Header[name] {
			pairs = append(pairs, [2]string{strings.ToLower(name), v})
		}
	}
	return pairs
}

func defaultResponse(req *http.Request, id uint32, modules []string) *Response {
	var b strings.Builder
	fmt.Fprintf(&b, "method: %s\n", req.Method)
	fmt.Fprintf(&b, "path: %s\n", req.URL.Path)
	fmt.Fprintf(&b, "version: %s\n", req.Proto)
	fmt.Fprintf(&b, "context_id: %d\n", id)
	fmt.Fprintf(&b, "modules: %s\n", strings.Join(modules, ", "))

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    [][2]string{{"Content-Type", "text/plain; charset=utf-8"}},
		Body:       []byte(b.String()),
	}
}

// Write serializes r as an HTTP/1.1 response. Content-Length and
// Connection: close are always set by the server; filter-provided values
// for them are ignored, as are headers whose name or value is not legal on
// the wire. A status outside 100-999 is sent as 500.
func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	code := r.StatusCode
	if code < 100 || code > 999 {
		code = http.StatusInternalServerError
	}
	reason := http.StatusText(code)
	if reason == "" {
		reason = "Unknown"
	}
	fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", code, reason)

	for _, h := range r.Headers {
		if !httpguts.ValidHeaderFieldName(h[0]) || !httpguts.ValidHeaderFieldValue(h[1]) {
			continue
		}
		name := http.CanonicalHeaderKey(h[0])
		if name == "Content-Length" || name == "Connection" {
			continue
		}
		fmt.Fprintf(bw, "%s: %s\r\n", name, h[1])
	}
	fmt.Fprintf(bw, "Content-Length: %s\r\n", strconv.Itoa(len(r.Body)))
	bw.WriteString("Connection: close\r\n\r\n")
	bw.Write(r.Body)

	return bw.Flush()
}
