package middleware

import (
	"net/http"
	"strconv"
	"time"

	"agentfleet/backend/app/metrics"
	"agentfleet/backend/global"
)

type statusWriter struct {
	http.ResponseWriter
	status  int
	route   string
	subject string
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) SetRoute(pattern string) { w.route = pattern }

func (w *statusWriter) SetSubject(subject string) { w.subject = subject }

func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200, route: "unmatched", subject: Anonymous}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(sw.route, strconv.Itoa(sw.status)).Inc()
		global.Logger.Info().
			Str("ip", r.RemoteAddr).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", sw.route).
			Str("subject", sw.subject).
			Int("status", sw.status).
			Dur("duration", duration).
			Msg("request")
	})
}
