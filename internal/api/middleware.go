package api

import (
	"bytes"
	"io"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/database"
)

// apiLogBodyLimit caps stored request and response bodies.
const apiLogBodyLimit = 5000

// statusRecorder captures the status and body written by a handler so the
// middleware can persist them.
type statusRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.body.Len() < apiLogBodyLimit {
		r.body.Write(b[:min(len(b), apiLogBodyLimit-r.body.Len())])
	}
	return r.ResponseWriter.Write(b)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// logged persists one ApiLog row per request. Query/poll endpoints are
// registered without it.
func (s *Server) logged(apiType string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reqBody []byte
		if r.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(r.Body, 1<<20))
			r.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		entry := &database.ApiLog{
			ApiType:        apiType,
			RequestMethod:  r.Method,
			RequestURL:     truncate(r.URL.String(), 500),
			RequestBody:    truncate(string(reqBody), apiLogBodyLimit),
			ResponseStatus: rec.status,
			ResponseBody:   rec.body.String(),
			IPAddress:      clientIP(r),
		}
		if err := s.db.SaveApiLog(entry); err != nil {
			log.Warn().Err(err).Str("api_type", apiType).Msg("API log dropped")
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return truncate(fwd, 50)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return truncate(r.RemoteAddr, 50)
	}
	return host
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
