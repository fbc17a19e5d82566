package server

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storyboard/storyboard/pkg/telemetry"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// withRequestID assigns a request id and attaches a request-scoped logger
// and the telemetry bundle to the request context.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := s.tel.WithContext(r.Context())
		ctx = s.tel.Logger.WithRequestID(id).WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument records request metrics and writes the access log. It must
// wrap the mux directly so the matched pattern is visible after serving.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := telemetry.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx, span := s.tel.Tracer.StartSpan(r.Context(), "http.request")
		r = r.WithContext(ctx)

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		dur := timer.Duration()
		s.tel.Metrics.RecordHTTPRequest(route, strconv.Itoa(rec.status), dur)

		span.SetName(route)
		var spanErr error
		if rec.status >= 500 {
			spanErr = errors.New(http.StatusText(rec.status))
		}
		telemetry.EndSpan(span, spanErr)

		logger := telemetry.FromContext(r.Context()).Zerolog()
		var event *zerolog.Event
		switch {
		case rec.status >= 500:
			event = logger.Error()
		case rec.status >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}
		if traceID := telemetry.TraceID(ctx); traceID != "" {
			event = event.Str("trace_id", traceID)
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", rec.status).
			Int64("bytes", rec.bytes).
			Dur("duration", dur).
			Msg("HTTP request")
	})
}

// recoverPanics turns a handler panic into a 500.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error().
					Interface("panic", v).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				writeText(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
