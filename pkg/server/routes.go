package server

import (
	"io/fs"
	"net/http"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /stories", s.handleListStories)
	mux.HandleFunc("POST /story", s.handleCreateStory)
	mux.HandleFunc("PATCH /story/{id}", s.handleUpdateStory)
	mux.HandleFunc("DELETE /story/{id}", s.handleDeleteStory)

	mux.HandleFunc("GET /export-db", s.handleExport)
	mux.HandleFunc("POST /upload-db", s.handleUpload)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if path := s.tel.Config.Metrics.Path; s.tel.Config.Metrics.Enabled && path != "" {
		mux.Handle("GET "+path, s.tel.Metrics.Handler())
	}

	static, err := fs.Sub(assetsFS, "static")
	if err == nil {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
	}

	return mux
}
