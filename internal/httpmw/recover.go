package httpmw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/keystone-comms/keystone-web/internal/log"
	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

// Recover logs handler panics and answers 500. API paths get a JSON body.
// onPanic, if set, is called after logging, e.g. to bump a counter.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// let net/http abort the connection as it would without us
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				L.With("method", r.Method, "path", r.URL.Path).
					Error(r.Context(), xerrors.WithStack(err), "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				if strings.HasPrefix(r.URL.Path, "/api/") {
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
					return
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
