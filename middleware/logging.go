package middleware

import (
	"net/http"
	"os"
	"runtime/debug"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/julienschmidt/httprouter"

	"github.com/reeltotext/rtt/errors"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

// LogRequest wraps a handler with request logging and panic recovery.
func LogRequest() func(httprouter.Handle) httprouter.Handle {
	logger := kitlog.With(kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr)), "ts", kitlog.DefaultTimestampUTC)
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			defer func() {
				if err := recover(); err != nil {
					errors.WriteHTTPInternalServerError(wrapped, "Internal Server Error", nil)
					_ = logger.Log("err", err, "trace", debug.Stack())
				}
			}()

			next(wrapped, r, ps)
			_ = logger.Log(
				"remote", r.RemoteAddr,
				"proto", r.Proto,
				"method", r.Method,
				"uri", r.URL.RequestURI(),
				"duration", time.Since(start),
				"status", wrapped.status,
			)
		}
	}
}
