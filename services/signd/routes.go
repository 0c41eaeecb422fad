package signd

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the service router. Static routes serve signed artifacts and
// install manifests straight from the artifact directories; the expiry sweep
// is what bounds their lifetime.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.recoverer)

	r.Post("/upload", a.handleUpload)
	r.Get("/sign", a.handleSign)
	r.Get("/install", a.handleInstall)

	r.Handle("/apps/*", http.StripPrefix("/apps/", http.FileServer(http.Dir(a.artifacts.SignedDir()))))
	r.Handle("/manifests/*", http.StripPrefix("/manifests/", http.FileServer(http.Dir(a.artifacts.ManifestDir()))))

	return r
}

// recoverer keeps a handler panic from killing the server and answers with
// the standard error envelope instead of chi's plain-text default.
func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.logf("ERROR %s %s: panic: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
