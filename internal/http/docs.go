package httpapi

import (
	"html/template"
	"net/http"

	"github.com/Cypherspark/campaign-dispatcher/api"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html>
  <head>
    <title>{{.}}</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
  </head>
  <body>
    <redoc spec-url="/openapi.yaml"></redoc>
  </body>
</html>`))

// mountDocs serves the embedded campaign API document and a Redoc page for it.
func (s *Server) mountDocs(r chi.Router) {
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		http.ServeFileFS(w, r, api.FS, "openapi.yaml")
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := docsPage.Execute(w, s.docsTitle); err != nil {
			s.log.Warn("render docs", zap.Error(err))
		}
	})
}
