package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/promptdhq/promptd/internal/config"
	"github.com/promptdhq/promptd/internal/registry"
)

type registerRepoRequest struct {
	Name       string                `json:"name"`
	Kind       string                `json:"kind"`
	URL        string                `json:"url"`
	IndexAware bool                  `json:"index_aware"`
	GitAuth    *config.GitAuthConfig `json:"git_auth,omitempty"`
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleRegisterRepo(w http.ResponseWriter, r *http.Request) {
	var req registerRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}
	repo, err := s.registry.Register(registry.RegisterRequest{
		Name:       req.Name,
		Kind:       registry.Kind(req.Kind),
		URL:        req.URL,
		IndexAware: req.IndexAware,
		GitAuth:    req.GitAuth,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Clone and index continue in the background; the record reports
	// progress through registration_status.
	writeJSON(w, http.StatusAccepted, repo)
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := s.registry.Get(chi.URLParam(r, "repo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleUnregisterRepo(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(chi.URLParam(r, "repo")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBrowseRepo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "repo")
	rel := r.URL.Query().Get("path")
	ignore := r.URL.Query()["ignore"]
	entries, err := s.registry.ListEntries(name, rel, ignore)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRepoContent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "repo")
	rel := r.URL.Query().Get("path")
	data, err := s.registry.ReadContent(name, rel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}
