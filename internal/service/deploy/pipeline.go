// Package deploy runs the template deployment pipeline: it records the attempt, creates the
// GitHub repository and Vercel project, and hands the build off to a background poller.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/juju/clock"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/provider"
	"github.com/splax/launchpad/internal/ratelimit"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/credentials"
	"github.com/splax/launchpad/internal/service/records"
)

// Stage is a state of one deployment attempt.
type Stage string

const (
	StageValidating             Stage = "validating"
	StageCreatingRecord         Stage = "creating_record"
	StageCreatingSourceRepo     Stage = "creating_source_repo"
	StageCreatingHostingProject Stage = "creating_hosting_project"
	StageLinkingRepo            Stage = "linking_repo"
	StagePolling                Stage = "polling"
)

// BindingOutcome records how the hosting project ended up attached to the new repository.
type BindingOutcome string

const (
	// BindingBound means the project was created with the repository attached.
	BindingBound BindingOutcome = "bound"
	// BindingUnboundThenConnected means the project was created bare and linked afterwards.
	BindingUnboundThenConnected BindingOutcome = "unbound_then_connected"
	// BindingUnboundUnconnected means the project exists but the repository must be linked manually.
	BindingUnboundUnconnected BindingOutcome = "unbound_unconnected"
)

// RecordStore is the subset of the record service the pipeline writes through.
type RecordStore interface {
	Create(ctx context.Context, ownerID string, in records.CreateInput) (*domain.Deployment, error)
	Get(ctx context.Context, id, ownerID string) (*domain.Deployment, error)
	Update(ctx context.Context, id, ownerID string, patch domain.DeploymentPatch) (*domain.Deployment, error)
}

// CredentialResolver resolves provider credentials for a user.
type CredentialResolver interface {
	SourceControl(ctx context.Context, userID, supplied string) (credentials.Credential, error)
	Hosting(ctx context.Context, userID, supplied string) (credentials.Credential, error)
}

// RateLimiter gates deployment creation per user.
type RateLimiter interface {
	CheckLimit(ctx context.Context, userID, bucket string, policy ratelimit.Policy) error
}

// Config tunes the pipeline.
type Config struct {
	HostingDomain string
	Framework     string
	TemplateOrg   string
	RatePolicy    ratelimit.Policy
	PollAttempts  int
	PollInterval  time.Duration
}

// Request is a user's ask to deploy a template.
type Request struct {
	UserID       string
	DeploymentID string
	TemplateRepo string
	ProjectName  string
	Description  string
	GitHubToken  string
	VercelToken  string
	EnvVars      []provider.EnvVar
}

// Result reports how far the pipeline got. The deployment record holds the final status.
type Result struct {
	Success              bool           `json:"success"`
	DeploymentID         string         `json:"deployment_id,omitempty"`
	RepoURL              string         `json:"repo_url,omitempty"`
	HostingProjectID     string         `json:"hosting_project_id,omitempty"`
	ProjectURL           string         `json:"project_url,omitempty"`
	DeploymentURL        string         `json:"deployment_url,omitempty"`
	Binding              BindingOutcome `json:"binding,omitempty"`
	Error                string         `json:"error,omitempty"`
	Step                 string         `json:"step,omitempty"`
	RequiresManualImport bool           `json:"requires_manual_import,omitempty"`
}

// Service runs deployments.
type Service struct {
	records       RecordStore
	credentials   CredentialResolver
	limiter       RateLimiter
	sourceControl provider.SourceControlFactory
	hosting       provider.HostingFactory
	tasks         *Tasks
	poller        Poller
	metrics       *Metrics
	logger        *slog.Logger
	cfg           Config
	now           func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock sets the clock the poller sleeps on.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) {
		if clk != nil {
			s.poller.clock = clk
			s.now = clk.Now
		}
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
		s.poller.metrics = m
	}
}

// New returns a deployment service. tasks owns the background pollers.
func New(recordStore RecordStore, resolver CredentialResolver, limiter RateLimiter, sourceControl provider.SourceControlFactory, hosting provider.HostingFactory, tasks *Tasks, logger *slog.Logger, cfg Config, opts ...Option) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HostingDomain == "" {
		cfg.HostingDomain = "vercel.app"
	}
	if tasks == nil {
		tasks = NewTasks(context.Background(), 1, logger)
	}
	s := Service{
		records:       recordStore,
		credentials:   resolver,
		limiter:       limiter,
		sourceControl: sourceControl,
		hosting:       hosting,
		tasks:         tasks,
		logger:        logger.With("component", "deploy"),
		cfg:           cfg,
		now:           time.Now,
	}
	s.poller = NewPoller(recordStore, clock.WallClock, cfg.PollAttempts, cfg.PollInterval, logger, nil)
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Deploy runs the pipeline up to the point where the hosting build is handed to the background
// poller and returns without waiting for the build. Validation, throttling and record creation
// failures are returned as errors and leave no record behind. Later failures are written to the
// record and reported in the Result with a nil error.
func (s Service) Deploy(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Result{}, ErrUnauthenticated
	}
	logger := s.logger.With("user_id", req.UserID, "project_name", req.ProjectName, "template_repo", req.TemplateRepo)

	if s.limiter != nil {
		if err := s.limiter.CheckLimit(ctx, req.UserID, ratelimit.BucketDeploymentCreate, s.cfg.RatePolicy); err != nil {
			return Result{}, err
		}
	}

	logger.Debug("deployment stage", "stage", StageValidating)
	if err := ValidateConfig(DeployConfig{TemplateRepo: req.TemplateRepo, ProjectName: req.ProjectName}); err != nil {
		return Result{}, err
	}

	d, err := s.openRecord(ctx, logger, req)
	if err != nil {
		return Result{}, err
	}
	s.metrics.deploymentStarted()
	run := &attempt{svc: s, logger: logger.With("deployment_id", d.ID), deployment: d, req: req}
	// Once a record exists it must reach a terminal state even if the caller goes away.
	return run.execute(context.WithoutCancel(ctx)), nil
}

func (s Service) openRecord(ctx context.Context, logger *slog.Logger, req Request) (*domain.Deployment, error) {
	logger.Debug("deployment stage", "stage", StageCreatingRecord)
	if req.DeploymentID != "" {
		d, err := s.records.Get(ctx, req.DeploymentID, req.UserID)
		if err != nil {
			return nil, err
		}
		if d.Status != domain.StatusDeploying {
			return nil, fmt.Errorf("deployment %s is %s: %w", d.ID, d.Status, repository.ErrInvalidTransition)
		}
		return d, nil
	}
	return s.records.Create(ctx, req.UserID, records.CreateInput{
		ProjectName:  req.ProjectName,
		Description:  req.Description,
		TemplateRepo: req.TemplateRepo,
	})
}

// attempt carries the state of one pipeline run.
type attempt struct {
	svc        Service
	logger     *slog.Logger
	deployment *domain.Deployment
	req        Request
	result     Result
}

// errCancelled stops the pipeline after the owner cancelled the deployment mid-flight.
var errCancelled = errors.New("deployment cancelled")

func (a *attempt) execute(ctx context.Context) Result {
	s := a.svc
	d := a.deployment
	a.result = Result{DeploymentID: d.ID}

	ghCred, err := s.credentials.SourceControl(ctx, a.req.UserID, a.req.GitHubToken)
	if err != nil {
		return a.fail(ctx, StepGitHubAuth, err)
	}
	vercelCred, err := s.credentials.Hosting(ctx, a.req.UserID, a.req.VercelToken)
	if err != nil {
		return a.fail(ctx, StepVercelAuth, err)
	}

	a.logger.Debug("deployment stage", "stage", StageCreatingSourceRepo)
	sourceControl := s.sourceControl.SourceControl(ghCred.Token)
	repo, err := a.createRepository(ctx, sourceControl, ghCred)
	if err != nil {
		return a.fail(ctx, StepRepoCreation, &ProviderError{Step: StepRepoCreation, Err: err})
	}
	a.result.RepoURL = repo.HTMLURL
	if err := a.persist(ctx, domain.DeploymentPatch{
		SourceRepoURL:  domain.StringPtr(repo.HTMLURL),
		SourceRepoName: domain.StringPtr(repo.FullName),
	}); err != nil {
		return a.persistFailed(ctx, err)
	}

	a.logger.Debug("deployment stage", "stage", StageCreatingHostingProject)
	hosting := s.hosting.Hosting(vercelCred.Token)
	project, binding, err := a.provisionProject(ctx, hosting, repo)
	if err != nil {
		a.result.RequiresManualImport = true
		return a.fail(ctx, StepProjectCreation, &ProviderError{Step: StepProjectCreation, Err: err})
	}
	s.metrics.hostingBound(binding)
	predicted := fmt.Sprintf("https://%s.%s", d.ProjectName, s.cfg.HostingDomain)
	a.result.Binding = binding
	a.result.HostingProjectID = project.ID
	a.result.ProjectURL = project.URL
	a.result.DeploymentURL = predicted
	if err := a.persist(ctx, domain.DeploymentPatch{
		HostingProjectID:     domain.StringPtr(project.ID),
		HostingProjectURL:    domain.StringPtr(project.URL),
		HostingDeploymentURL: domain.StringPtr(predicted),
	}); err != nil {
		return a.persistFailed(ctx, err)
	}

	a.logger.Info("deployment handed to poller", "stage", StagePolling, "hosting_project_id", project.ID, "binding", binding)
	req := PollRequest{
		DeploymentID:     d.ID,
		OwnerID:          d.UserID,
		HostingProjectID: project.ID,
		ProjectName:      d.ProjectName,
	}
	poller := s.poller
	s.tasks.Go("poll:"+d.ID,
		func(ctx context.Context) error { return poller.Poll(ctx, hosting, req) },
		func(ctx context.Context, err error) { poller.FinalizeMonitoringFailure(ctx, req, err) },
	)

	a.result.Success = true
	return a.result
}

func (a *attempt) createRepository(ctx context.Context, sc provider.SourceControl, cred credentials.Credential) (provider.Repository, error) {
	owner := cred.Username
	if owner == "" {
		account, err := sc.CurrentUser(ctx)
		if err != nil {
			return provider.Repository{}, err
		}
		owner = account.Username
	}
	templateOwner, templateRepo, _ := splitTemplateRepo(a.req.TemplateRepo)
	return sc.CreateFromTemplate(ctx, provider.TemplateSpec{
		TemplateOwner: templateOwner,
		TemplateRepo:  templateRepo,
		Owner:         owner,
		Name:          a.deployment.ProjectName,
		Description:   a.deployment.Description,
		Private:       false,
	})
}

// provisionProject creates the hosting project bound to repo. When the bound create is rejected
// it retries without the binding and links the repository in a separate call; only a failure of
// both creates is an error.
func (a *attempt) provisionProject(ctx context.Context, hosting provider.Hosting, repo provider.Repository) (provider.Project, BindingOutcome, error) {
	gitRepo := provider.GitRepository{Type: "github", Repo: repo.FullName}
	spec := provider.ProjectSpec{
		Name:          a.deployment.ProjectName,
		Framework:     a.svc.cfg.Framework,
		GitRepository: &gitRepo,
		EnvVars:       a.req.EnvVars,
	}
	project, boundErr := hosting.CreateProject(ctx, spec)
	if boundErr == nil {
		return project, BindingBound, nil
	}
	a.logger.Warn("bound project creation failed, retrying without repository", "error", boundErr)

	spec.GitRepository = nil
	project, err := hosting.CreateProject(ctx, spec)
	if err != nil {
		return provider.Project{}, "", errors.Join(boundErr, err)
	}

	a.logger.Debug("deployment stage", "stage", StageLinkingRepo, "hosting_project_id", project.ID)
	if err := hosting.ConnectGitRepository(ctx, project.ID, gitRepo); err != nil {
		a.logger.Warn("repository link failed, manual linking required", "hosting_project_id", project.ID, "error", err)
		return project, BindingUnboundUnconnected, nil
	}
	return project, BindingUnboundThenConnected, nil
}

func (a *attempt) persist(ctx context.Context, patch domain.DeploymentPatch) error {
	d, err := a.svc.records.Update(ctx, a.deployment.ID, a.deployment.UserID, patch)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return errCancelled
		}
		return err
	}
	a.deployment = d
	return nil
}

func (a *attempt) persistFailed(ctx context.Context, err error) Result {
	if errors.Is(err, errCancelled) {
		a.logger.Info("deployment cancelled during pipeline")
		a.result.Error = CancelledDuringDeploy
		return a.result
	}
	return a.fail(ctx, StepRecordUpdate, err)
}

// fail logs the raw error, writes the classified message to the record and returns the
// failed Result.
func (a *attempt) fail(ctx context.Context, step string, err error) Result {
	message := Classify(err)
	a.logger.Error("deployment pipeline failed",
		"step", step,
		"error", err,
		"failed_at", a.svc.now().UTC(),
	)
	a.svc.metrics.pipelineFailed(step)
	a.result.Success = false
	a.result.Step = step
	a.result.Error = message

	patch := domain.DeploymentPatch{
		Status:     domain.StatusPtr(domain.StatusFailed),
		Error:      domain.StringPtr(message),
		FailedStep: domain.StringPtr(step),
	}
	if _, updateErr := a.svc.records.Update(ctx, a.deployment.ID, a.deployment.UserID, patch); updateErr != nil {
		if errors.Is(updateErr, repository.ErrInvalidTransition) {
			a.logger.Info("deployment already finished, failure not recorded", "step", step)
		} else {
			a.logger.Error("record pipeline failure", "step", step, "error", updateErr)
		}
	}
	return a.result
}

// ListTemplates lists template repositories visible to the user's GitHub credential, from the
// configured organisation when one is set.
func (s Service) ListTemplates(ctx context.Context, userID, suppliedToken string) ([]domain.TemplateRepository, error) {
	cred, err := s.credentials.SourceControl(ctx, userID, suppliedToken)
	if err != nil {
		return nil, err
	}
	templates, err := s.sourceControl.SourceControl(cred.Token).ListTemplateRepositories(ctx, s.cfg.TemplateOrg)
	if err != nil {
		s.logger.Error("list template repositories", "user_id", userID, "error", err)
		return nil, &ProviderError{Step: "github-template-listing", Err: err}
	}
	return templates, nil
}

// NameCheck is the outcome of a project name availability check.
type NameCheck struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// CheckProjectName validates name and asks Vercel whether it is free.
func (s Service) CheckProjectName(ctx context.Context, userID, name, suppliedToken string) (NameCheck, error) {
	if err := ValidateProjectName(name); err != nil {
		return NameCheck{Name: name}, err
	}
	cred, err := s.credentials.Hosting(ctx, userID, suppliedToken)
	if err != nil {
		return NameCheck{Name: name}, err
	}
	available, err := s.hosting.Hosting(cred.Token).IsProjectNameAvailable(ctx, name)
	if err != nil {
		s.logger.Error("check project name", "user_id", userID, "project_name", name, "error", err)
		return NameCheck{Name: name}, &ProviderError{Step: "vercel-name-check", Err: err}
	}
	return NameCheck{Name: name, Available: available}, nil
}
