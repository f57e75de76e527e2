package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var embeddedStatic embed.FS

func newStaticHandler() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.FS(sub))
}

// handleEmbedPage serves the page that runs inside the host site's iframe.
// Widget options arrive as query parameters appended by the host loader.
func (s *Server) handleEmbedPage(w http.ResponseWriter, r *http.Request) {
	body, err := embeddedStatic.ReadFile("static/agent.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(body)
}
