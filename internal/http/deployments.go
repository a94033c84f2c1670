package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/provider"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/ws"
)

type deployPayload struct {
	TemplateRepo string `json:"template_repo"`
	ProjectName  string `json:"project_name"`
	Description  string `json:"description"`
	DeploymentID string `json:"deployment_id"`
	GitHubToken  string `json:"github_token"`
	VercelToken  string `json:"vercel_token"`
	Env          []struct {
		Key    string   `json:"key"`
		Value  string   `json:"value"`
		Target []string `json:"target"`
	} `json:"env"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deployments", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload deployPayload
		if !decodeJSON(w, req, &payload) {
			return
		}
		deployReq := deploy.Request{
			UserID:       info.UserID,
			DeploymentID: strings.TrimSpace(payload.DeploymentID),
			TemplateRepo: strings.TrimSpace(payload.TemplateRepo),
			ProjectName:  strings.TrimSpace(payload.ProjectName),
			Description:  payload.Description,
			GitHubToken:  strings.TrimSpace(payload.GitHubToken),
			VercelToken:  strings.TrimSpace(payload.VercelToken),
		}
		for _, env := range payload.Env {
			if strings.TrimSpace(env.Key) == "" {
				writeFieldError(w, http.StatusBadRequest, "env", "environment variable key is required")
				return
			}
			deployReq.EnvVars = append(deployReq.EnvVars, provider.EnvVar{Key: env.Key, Value: env.Value, Target: env.Target, Type: "encrypted"})
		}
		result, err := r.deploy.Deploy(req.Context(), deployReq)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, deployStatus(result), result)
	case http.MethodGet:
		deployments, err := r.records.ListByOwner(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if deployments == nil {
			deployments = []domain.Deployment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deployment", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/"), "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "cancel" {
			r.notFound(w)
			return
		}
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		d, err := r.records.Cancel(req.Context(), id, info.UserID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}
	switch req.Method {
	case http.MethodGet:
		d, err := r.records.Get(req.Context(), id, info.UserID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodDelete:
		deleted, err := r.records.Delete(req.Context(), id, info.UserID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if !deleted {
			r.notFound(w)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deployments websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(info.UserID, client)
	r.streamOpened()
	go func() {
		defer func() {
			r.hub.Unregister(info.UserID, client)
			client.Close()
			r.streamClosed()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleDeploymentStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deployment stream", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger).WithWriteDeadline(http.NewResponseController(w).SetWriteDeadline)
	if err := client.Heartbeat(); err != nil {
		return
	}
	r.hub.Register(info.UserID, client)
	r.streamOpened()
	defer func() {
		// Close first so the hub never writes after the handler returns.
		client.Close()
		r.hub.Unregister(info.UserID, client)
		r.streamClosed()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
