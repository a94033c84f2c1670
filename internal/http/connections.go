package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/service/credentials"
)

const (
	headerGitHubToken = "X-GitHub-Token"
	headerVercelToken = "X-Vercel-Token"
)

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for templates", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	templates, err := r.deploy.ListTemplates(req.Context(), info.UserID, strings.TrimSpace(req.Header.Get(headerGitHubToken)))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if templates == nil {
		templates = []domain.TemplateRepository{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (r *Router) handleProjectAvailability(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for name check", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	name := strings.TrimSpace(req.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter required")
		return
	}
	check, err := r.deploy.CheckProjectName(req.Context(), info.UserID, name, strings.TrimSpace(req.Header.Get(headerVercelToken)))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type connectionView struct {
	Provider    domain.Provider `json:"provider"`
	Username    string          `json:"username,omitempty"`
	Scopes      []string        `json:"scopes,omitempty"`
	ConnectedAt time.Time       `json:"connected_at"`
}

func (r *Router) handleConnections(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for connections", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	name := strings.Trim(strings.TrimPrefix(req.URL.Path, "/connections/"), "/")
	if name == "" || strings.Contains(name, "/") {
		r.notFound(w)
		return
	}
	p := domain.Provider(strings.ToLower(name))
	if !p.Valid() {
		r.writeServiceError(w, req, credentials.ErrUnsupportedProvider)
		return
	}
	switch req.Method {
	case http.MethodPut:
		var payload struct {
			Token string `json:"token"`
		}
		if !decodeJSON(w, req, &payload) {
			return
		}
		conn, err := r.credentials.Save(req.Context(), info.UserID, p, payload.Token)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, connectionView{
			Provider:    conn.Provider,
			Username:    conn.Username,
			Scopes:      conn.Scopes,
			ConnectedAt: conn.UpdatedAt,
		})
	case http.MethodDelete:
		if err := r.credentials.Remove(req.Context(), info.UserID, p); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}
