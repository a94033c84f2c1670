package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeployReturnsPartialResultOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deployments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		var input DeployInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.ProjectName != "my-app" {
			t.Errorf("unexpected body %+v (%v)", input, err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":       false,
			"deployment_id": "dep-1",
			"error":         "A repository or project with this name already exists. Please choose a different project name.",
			"step":          "github-repo-creation",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := c.Deploy(context.Background(), "tok", DeployInput{TemplateRepo: "acme/shipkit", ProjectName: "my-app"})
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected APIError 502, got %v", err)
	}
	if result.DeploymentID != "dep-1" || result.Step != "github-repo-creation" {
		t.Fatalf("expected partial result, got %+v", result)
	}
}

func TestProviderTokensTravelAsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/templates":
			if r.Header.Get("X-GitHub-Token") != "gh" {
				t.Errorf("missing github token header")
			}
			_, _ = w.Write([]byte(`{"templates":[{"full_name":"acme/shipkit"}]}`))
		case "/projects/availability":
			if r.URL.Query().Get("name") != "my-app" || r.Header.Get("X-Vercel-Token") != "vc" {
				t.Errorf("unexpected availability request %s", r.URL.String())
			}
			_, _ = w.Write([]byte(`{"name":"my-app","available":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	templates, err := c.ListTemplates(context.Background(), "tok", Tokens{GitHub: "gh"})
	if err != nil || len(templates) != 1 || templates[0].FullName != "acme/shipkit" {
		t.Fatalf("unexpected templates %+v (%v)", templates, err)
	}
	check, err := c.CheckProjectName(context.Background(), "tok", "my-app", Tokens{Vercel: "vc"})
	if err != nil || !check.Available {
		t.Fatalf("unexpected check %+v (%v)", check, err)
	}
	_, err = c.GetDeployment(context.Background(), "tok", "missing")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message != "not found" {
		t.Fatalf("expected not found APIError, got %v", err)
	}
}

func TestDeleteAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	c, _ := New(srv.URL)
	if err := c.DeleteDeployment(context.Background(), "tok", "dep-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Disconnect(context.Background(), "tok", "github"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}
