package api

import (
	"encoding/json"
	"net/http"
	"time"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}
	if err := s.authn.VerifyCredentials(req.Username, req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	tok, err := s.issuer.Issue(req.Username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     tok,
		Subject:   req.Username,
		ExpiresAt: time.Now().Add(s.cfg.Auth.TokenLifetime),
	})
}
