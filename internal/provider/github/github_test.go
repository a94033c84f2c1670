package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/splax/launchpad/internal/provider"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := New("ghp_test", "", srv.Client())
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	c.api.BaseURL = base
	return c
}

func TestCreateFromTemplate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shipkit/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_test" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["name"] != "my-app" || body["owner"] != "octocat" || body["private"] != false {
			t.Fatalf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"name":"my-app","full_name":"octocat/my-app","html_url":"https://github.com/octocat/my-app","clone_url":"https://github.com/octocat/my-app.git"}`))
	})
	c := newTestClient(t, mux)

	repo, err := c.CreateFromTemplate(context.Background(), provider.TemplateSpec{
		TemplateOwner: "acme",
		TemplateRepo:  "shipkit",
		Owner:         "octocat",
		Name:          "my-app",
		Description:   "my-app",
	})
	if err != nil {
		t.Fatalf("CreateFromTemplate: %v", err)
	}
	want := provider.Repository{
		Name:     "my-app",
		FullName: "octocat/my-app",
		HTMLURL:  "https://github.com/octocat/my-app",
		CloneURL: "https://github.com/octocat/my-app.git",
	}
	if diff := cmp.Diff(want, repo); diff != "" {
		t.Fatalf("repository mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckScopes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-OAuth-Scopes", "repo, workflow,  read:org")
		_, _ = w.Write([]byte(`{"login":"octocat"}`))
	})
	c := newTestClient(t, mux)

	scopes, err := c.CheckScopes(context.Background())
	if err != nil {
		t.Fatalf("CheckScopes: %v", err)
	}
	if diff := cmp.Diff([]string{"repo", "workflow", "read:org"}, scopes); diff != "" {
		t.Fatalf("scopes mismatch (-want +got):\n%s", diff)
	}

	account, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if account.Username != "octocat" {
		t.Fatalf("unexpected username %q", account.Username)
	}
}

func TestCheckScopesWithoutHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"login":"octocat"}`))
	})
	c := newTestClient(t, mux)

	scopes, err := c.CheckScopes(context.Background())
	if err != nil {
		t.Fatalf("CheckScopes: %v", err)
	}
	if scopes != nil {
		t.Fatalf("expected nil scopes for fine-grained token, got %v", scopes)
	}
}

func TestCheckScopesRejectedCredential(t *testing.T) {
	cases := map[int]bool{
		http.StatusUnauthorized: true,
		http.StatusForbidden:    true,
		http.StatusBadGateway:   false,
	}
	for status, wantRejected := range cases {
		mux := http.NewServeMux()
		mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
		})
		c := newTestClient(t, mux)

		_, err := c.CheckScopes(context.Background())
		if err == nil {
			t.Fatalf("status %d: expected an error", status)
		}
		if got := errors.Is(err, provider.ErrUnauthorized); got != wantRejected {
			t.Fatalf("status %d: rejected = %v, want %v (%v)", status, got, wantRejected, err)
		}
	}
}

func TestListTemplateRepositoriesFiltersTemplates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":1,"name":"old","full_name":"acme/old","is_template":true,"updated_at":"2025-01-01T00:00:00Z","topics":["nextjs"]},
			{"id":2,"name":"app","full_name":"acme/app","is_template":false,"updated_at":"2025-06-01T00:00:00Z"},
			{"id":3,"name":"new","full_name":"acme/new","is_template":true,"private":true,"updated_at":"2025-03-01T00:00:00Z"}
		]`))
	})
	c := newTestClient(t, mux)

	templates, err := c.ListTemplateRepositories(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ListTemplateRepositories: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(templates))
	}
	if templates[0].FullName != "acme/new" || !templates[0].IsPrivate {
		t.Fatalf("expected newest template first, got %+v", templates[0])
	}
	if diff := cmp.Diff([]string{"nextjs"}, templates[1].Topics); diff != "" {
		t.Fatalf("topics mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateFromTemplateSurfacesProviderError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shipkit/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Repository creation failed.","errors":["name already exists on this account"]}`))
	})
	c := newTestClient(t, mux)

	_, err := c.CreateFromTemplate(context.Background(), provider.TemplateSpec{TemplateOwner: "acme", TemplateRepo: "shipkit", Name: "dup"})
	if err == nil {
		t.Fatal("expected error for rejected repository creation")
	}
}
