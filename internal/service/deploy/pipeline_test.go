package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/provider"
	"github.com/splax/launchpad/internal/ratelimit"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/credentials"
	"github.com/splax/launchpad/internal/service/records"
)

func validRequest() Request {
	return Request{
		UserID:       "user-1",
		TemplateRepo: "acme/shipkit",
		ProjectName:  "my-app",
	}
}

func TestDeployRejectsShortProjectName(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.ProjectName = "ab"

	_, err := h.svc.Deploy(context.Background(), req)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if vErr.Field != "project_name" || vErr.Message != "project name must be at least 3 characters long" {
		t.Fatalf("unexpected validation error %+v", vErr)
	}
	assertNothingHappened(t, h)
}

func TestDeployRejectsTemplateWithoutOwner(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.TemplateRepo = "shipkit"

	_, err := h.svc.Deploy(context.Background(), req)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "template_repo" {
		t.Fatalf("expected template format error, got %v", err)
	}
	assertNothingHappened(t, h)
}

func TestDeployThrottledBeforeRecord(t *testing.T) {
	h := newHarness(t)
	h.limiter.err = &ratelimit.ThrottledError{Bucket: ratelimit.BucketDeploymentCreate, Limit: 5, Window: time.Hour, RetryAfter: time.Minute}

	_, err := h.svc.Deploy(context.Background(), validRequest())
	var throttled *ratelimit.ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ThrottledError, got %v", err)
	}
	if diff := cmp.Diff([]string{"user-1:" + ratelimit.BucketDeploymentCreate}, h.limiter.calls); diff != "" {
		t.Fatalf("limiter calls mismatch (-want +got):\n%s", diff)
	}
	assertNothingHappened(t, h)
}

func TestDeployRequiresUser(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.UserID = ""
	if _, err := h.svc.Deploy(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func assertNothingHappened(t *testing.T, h *harness) {
	t.Helper()
	list, err := h.repo.ListDeploymentsByOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no deployment record, got %d", len(list))
	}
	if h.source.calls() != 0 || len(h.hosting.creates) != 0 {
		t.Fatal("expected no provider calls")
	}
}

func TestDeployHappyPathCompletesInBackground(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = readyAt(20, "my-app-git-main.vercel.app")

	res, err := h.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	want := Result{
		Success:          true,
		DeploymentID:     res.DeploymentID,
		RepoURL:          "https://github.com/octocat/my-app",
		HostingProjectID: "prj_my-app",
		ProjectURL:       "https://vercel.com/dashboard/my-app",
		DeploymentURL:    "https://my-app.vercel.app",
		Binding:          BindingBound,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	h.tasks.Wait()
	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", d.Status)
	}
	if got := domain.Deref(d.HostingDeploymentURL); got != "https://my-app-git-main.vercel.app" {
		t.Fatalf("unexpected deployment url %q", got)
	}
	if d.Error != nil {
		t.Fatalf("expected no error, got %q", *d.Error)
	}
	if h.hosting.pollCount() != 20 {
		t.Fatalf("expected 20 poll attempts, got %d", h.hosting.pollCount())
	}
	if sleeps := h.clock.Sleeps(); len(sleeps) != 19 || sleeps[0] != 3*time.Second {
		t.Fatalf("expected 19 sleeps of 3s between attempts, got %v", sleeps)
	}

	spec := h.source.created[0]
	if spec.TemplateOwner != "acme" || spec.TemplateRepo != "shipkit" || spec.Owner != "octocat" || spec.Private || spec.Description != "my-app" {
		t.Fatalf("unexpected template spec %+v", spec)
	}
}

func TestDeployPollerTimesOut(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = readyAt(1000, "")

	res, err := h.svc.Deploy(context.Background(), validRequest())
	if err != nil || !res.Success {
		t.Fatalf("Deploy: %+v %v", res, err)
	}
	h.tasks.Wait()

	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusTimeout || domain.Deref(d.Error) != PollTimeoutMessage {
		t.Fatalf("unexpected final state %s %q", d.Status, domain.Deref(d.Error))
	}
	if domain.Deref(d.HostingDeploymentURL) != "https://my-app.vercel.app" {
		t.Fatalf("expected predicted url to remain, got %q", domain.Deref(d.HostingDeploymentURL))
	}
	if h.hosting.pollCount() != 20 {
		t.Fatalf("expected 20 poll attempts, got %d", h.hosting.pollCount())
	}
}

func TestDeployPollerMarksHostingErrorFailed(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = func(int) (provider.Project, error) {
		return provider.Project{LatestDeployments: []provider.DeploymentStatus{
			{State: provider.StateReady, URL: "old.vercel.app", CreatedAt: time.Unix(10, 0)},
			{State: provider.StateError, URL: "new.vercel.app", CreatedAt: time.Unix(20, 0)},
		}}, nil
	}

	res, _ := h.svc.Deploy(context.Background(), validRequest())
	h.tasks.Wait()

	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusFailed || domain.Deref(d.Error) != HostingBuildFailedPrefix {
		t.Fatalf("unexpected final state %s %q", d.Status, domain.Deref(d.Error))
	}
	if domain.Deref(d.HostingDeploymentURL) != "https://new.vercel.app" {
		t.Fatalf("expected latest deployment url, got %q", domain.Deref(d.HostingDeploymentURL))
	}
}

func TestDeployPollerConsumesTransientErrors(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = func(attempt int) (provider.Project, error) {
		if attempt < 5 {
			return provider.Project{}, errors.New("dial tcp: connection reset")
		}
		return readyAt(5, "my-app.vercel.app")(attempt)
	}

	res, _ := h.svc.Deploy(context.Background(), validRequest())
	h.tasks.Wait()

	if d := h.get(t, res.DeploymentID); d.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after transient errors, got %s", d.Status)
	}
	if h.hosting.pollCount() != 5 {
		t.Fatalf("expected 5 poll attempts, got %d", h.hosting.pollCount())
	}
}

func TestDeployProjectCreationFailsBothModes(t *testing.T) {
	h := newHarness(t)
	h.hosting.boundErr = errors.New("vercel request failed (400 bad_request): git repository not accessible")
	h.hosting.unboundErr = errors.New("vercel request failed (409 conflict): Project already exists")

	res, err := h.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Success || !res.RequiresManualImport || res.Step != StepProjectCreation {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Error != MessageNameTaken {
		t.Fatalf("expected classified message, got %q", res.Error)
	}
	if res.RepoURL != "https://github.com/octocat/my-app" {
		t.Fatalf("expected repo url in result, got %q", res.RepoURL)
	}

	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusFailed || domain.Deref(d.FailedStep) != StepProjectCreation {
		t.Fatalf("unexpected record %+v", d)
	}
	if domain.Deref(d.SourceRepoURL) != "https://github.com/octocat/my-app" {
		t.Fatalf("expected source repo url to stay populated, got %q", domain.Deref(d.SourceRepoURL))
	}
	if domain.Deref(d.Error) != MessageNameTaken {
		t.Fatalf("expected classified error on record, got %q", domain.Deref(d.Error))
	}
	if len(h.hosting.creates) != 2 || h.hosting.connects != 0 {
		t.Fatalf("expected two create attempts and no link, got %d creates %d links", len(h.hosting.creates), h.hosting.connects)
	}
}

func TestDeployBindingOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		boundErr   error
		connectErr error
		want       BindingOutcome
		connects   int
	}{
		{name: "bound", want: BindingBound},
		{name: "linked after bare create", boundErr: errors.New("install the GitHub integration first"), want: BindingUnboundThenConnected, connects: 1},
		{name: "link failed", boundErr: errors.New("install the GitHub integration first"), connectErr: errors.New("link rejected"), want: BindingUnboundUnconnected, connects: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.hosting.boundErr = tc.boundErr
			h.hosting.connectErr = tc.connectErr
			h.hosting.states = readyAt(1, "my-app.vercel.app")

			res, err := h.svc.Deploy(context.Background(), validRequest())
			if err != nil || !res.Success {
				t.Fatalf("Deploy: %+v %v", res, err)
			}
			if res.Binding != tc.want {
				t.Fatalf("expected binding %s, got %s", tc.want, res.Binding)
			}
			h.tasks.Wait()
			if h.hosting.connects != tc.connects {
				t.Fatalf("expected %d link calls, got %d", tc.connects, h.hosting.connects)
			}
			if d := h.get(t, res.DeploymentID); d.Status != domain.StatusCompleted {
				t.Fatalf("expected completed, got %s", d.Status)
			}
		})
	}
}

func TestDeployRepositoryCreationFailure(t *testing.T) {
	h := newHarness(t)
	h.source.createErr = errors.New("POST https://api.github.com/repos/acme/shipkit/generate: 422 name already exists on this account")

	res, err := h.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Success || res.Step != StepRepoCreation || res.RequiresManualImport {
		t.Fatalf("unexpected result %+v", res)
	}
	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusFailed || domain.Deref(d.Error) != MessageNameTaken || d.SourceRepoURL != nil {
		t.Fatalf("unexpected record %+v", d)
	}
	if len(h.hosting.creates) != 0 {
		t.Fatal("expected no hosting calls after repository failure")
	}
}

func TestDeployCredentialFailuresAreRecorded(t *testing.T) {
	cases := []struct {
		name    string
		github  error
		vercel  error
		step    string
		message string
	}{
		{name: "github missing", github: credentials.ErrCredentialMissing, step: StepGitHubAuth, message: credentials.ErrCredentialMissing.Error()},
		{name: "github scopes", github: &credentials.InsufficientScopeError{Missing: []string{"workflow"}}, step: StepGitHubAuth, message: "GitHub token is missing required scopes: workflow"},
		{name: "vercel missing", vercel: credentials.ErrHostingNotConnected, step: StepVercelAuth, message: credentials.ErrHostingNotConnected.Error()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.resolver.githubErr = tc.github
			h.resolver.vercelErr = tc.vercel

			res, err := h.svc.Deploy(context.Background(), validRequest())
			if err != nil {
				t.Fatalf("Deploy: %v", err)
			}
			if res.Success || res.Step != tc.step || res.Error != tc.message {
				t.Fatalf("unexpected result %+v", res)
			}
			d := h.get(t, res.DeploymentID)
			if d.Status != domain.StatusFailed || domain.Deref(d.Error) != tc.message {
				t.Fatalf("unexpected record %+v", d)
			}
			if h.source.calls() != 0 {
				t.Fatal("expected no repository creation")
			}
		})
	}
}

func TestDeployUsesExistingRecord(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = readyAt(1, "my-app.vercel.app")
	existing, err := h.records.Create(context.Background(), "user-1", records.CreateInput{ProjectName: "my-app", TemplateRepo: "acme/shipkit"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	req := validRequest()
	req.DeploymentID = existing.ID

	res, err := h.svc.Deploy(context.Background(), req)
	if err != nil || res.DeploymentID != existing.ID {
		t.Fatalf("expected existing record to be reused, got %+v %v", res, err)
	}
	h.tasks.Wait()
	list, _ := h.repo.ListDeploymentsByOwner(context.Background(), "user-1")
	if len(list) != 1 {
		t.Fatalf("expected a single record, got %d", len(list))
	}

	req.DeploymentID = "missing"
	if _, err := h.svc.Deploy(context.Background(), req); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown record, got %v", err)
	}
}

func TestCancelledDeploymentIsNotOverwrittenByPoller(t *testing.T) {
	h := newHarness(t)
	var deploymentID string
	h.hosting.states = func(attempt int) (provider.Project, error) {
		if attempt == 2 {
			if _, err := h.records.Cancel(context.Background(), deploymentID, "user-1"); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
		return readyAt(3, "my-app.vercel.app")(attempt)
	}
	res, err := h.svc.Deploy(context.Background(), precreatedRequest(h, &deploymentID))
	if err != nil || !res.Success {
		t.Fatalf("Deploy: %+v %v", res, err)
	}
	h.tasks.Wait()

	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusFailed || domain.Deref(d.Error) != records.CancelledMessage {
		t.Fatalf("expected cancelled record to stay failed, got %s %q", d.Status, domain.Deref(d.Error))
	}
}

func TestPollerFallsBackToDeploymentList(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = func(int) (provider.Project, error) {
		return provider.Project{ID: "prj_my-app"}, nil
	}
	h.hosting.deployments = func(attempt int) ([]provider.DeploymentStatus, error) {
		if attempt == 1 {
			return nil, errors.New("vercel request failed (502): bad gateway")
		}
		state := provider.StateBuilding
		if attempt >= 3 {
			state = provider.StateReady
		}
		return []provider.DeploymentStatus{{State: state, URL: "my-app-abc.vercel.app", CreatedAt: time.Unix(int64(attempt), 0)}}, nil
	}

	res, err := h.svc.Deploy(context.Background(), validRequest())
	if err != nil || !res.Success {
		t.Fatalf("Deploy: %+v %v", res, err)
	}
	h.tasks.Wait()

	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusCompleted || domain.Deref(d.HostingDeploymentURL) != "https://my-app-abc.vercel.app" {
		t.Fatalf("expected completed from the deployment list, got %s %q", d.Status, domain.Deref(d.HostingDeploymentURL))
	}
	if h.hosting.pollCount() != 3 || h.hosting.fetchCount() != 3 {
		t.Fatalf("expected 3 project polls and 3 list fetches, got %d and %d", h.hosting.pollCount(), h.hosting.fetchCount())
	}
}

func TestDeployWithoutTaskSupervisorStillPolls(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = readyAt(1, "my-app.vercel.app")
	svc := New(h.records, h.resolver, h.limiter, h.source.factory(), h.hosting.factory(), nil, discardLogger(), Config{PollAttempts: 3, PollInterval: time.Millisecond}, WithClock(h.clock))

	res, err := svc.Deploy(context.Background(), validRequest())
	if err != nil || !res.Success {
		t.Fatalf("Deploy: %+v %v", res, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.get(t, res.DeploymentID).Status != domain.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("deployment never completed, status %s", h.get(t, res.DeploymentID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// precreatedRequest creates the record up front so its id is known before polling starts.
func precreatedRequest(h *harness, id *string) Request {
	d, _ := h.records.Create(context.Background(), "user-1", records.CreateInput{ProjectName: "my-app", TemplateRepo: "acme/shipkit"})
	*id = d.ID
	req := validRequest()
	req.DeploymentID = d.ID
	return req
}

func TestPollerPanicFinalizesTimeout(t *testing.T) {
	h := newHarness(t)
	h.hosting.states = func(int) (provider.Project, error) {
		panic("unexpected payload")
	}

	res, err := h.svc.Deploy(context.Background(), validRequest())
	if err != nil || !res.Success {
		t.Fatalf("Deploy: %+v %v", res, err)
	}
	h.tasks.Wait()

	d := h.get(t, res.DeploymentID)
	if d.Status != domain.StatusTimeout || domain.Deref(d.Error) != MonitoringFailedMessage {
		t.Fatalf("expected monitoring failure timeout, got %s %q", d.Status, domain.Deref(d.Error))
	}
}

func TestListTemplatesUsesConfiguredOrg(t *testing.T) {
	h := newHarness(t)
	h.source.templates = []domain.TemplateRepository{{ID: 1, Name: "shipkit", FullName: "acme/shipkit"}}

	templates, err := h.svc.ListTemplates(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	if len(templates) != 1 || h.source.templateOrg != "acme" {
		t.Fatalf("unexpected templates %+v from org %q", templates, h.source.templateOrg)
	}

	h.resolver.githubErr = credentials.ErrCredentialMissing
	if _, err := h.svc.ListTemplates(context.Background(), "user-1", ""); !errors.Is(err, credentials.ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing, got %v", err)
	}
}

func TestCheckProjectName(t *testing.T) {
	h := newHarness(t)
	h.hosting.availability = map[string]bool{"free-name": true, "taken-name": false}

	check, err := h.svc.CheckProjectName(context.Background(), "user-1", "free-name", "")
	if err != nil || !check.Available {
		t.Fatalf("expected free-name available, got %+v %v", check, err)
	}
	check, err = h.svc.CheckProjectName(context.Background(), "user-1", "taken-name", "")
	if err != nil || check.Available {
		t.Fatalf("expected taken-name unavailable, got %+v %v", check, err)
	}
	var vErr *ValidationError
	if _, err := h.svc.CheckProjectName(context.Background(), "user-1", "Bad Name", ""); !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	var pErr *ProviderError
	if _, err := h.svc.CheckProjectName(context.Background(), "user-1", "unknown", ""); !errors.As(err, &pErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}
