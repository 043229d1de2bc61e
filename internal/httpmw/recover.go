package httpmw

import (
	"net/http"

	"github.com/payloghq/ratelimitd/internal/log"
	"github.com/payloghq/ratelimitd/internal/xerrors"
)

// Recover converts handler panics into 500 responses instead of letting
// net/http kill the connection. The panic is logged with request context and
// onPanic (the metrics hook) fires once per recovery.
//
// http.ErrAbortHandler is re-raised untouched, the server uses it to abort
// in-flight responses.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				var err error
				if e, ok := v.(error); ok {
					err = xerrors.WithStack(e)
				} else {
					err = xerrors.Newf("panic: %v", v)
				}

				if onPanic != nil {
					onPanic()
				}

				logger.With(
					"method", r.Method,
					"path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
