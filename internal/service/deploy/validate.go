package deploy

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	minProjectNameLength = 3
	maxProjectNameLength = 100
)

var (
	projectNamePattern   = regexp.MustCompile(`^[a-z0-9-]+$`)
	nonProjectNameRunes  = regexp.MustCompile(`[^a-z0-9]+`)
	errTemplateRepoShape = errors.New("template repository must be in the format owner/repository")
)

// DeployConfig is the user input checked before any record or network call.
type DeployConfig struct {
	TemplateRepo string
	ProjectName  string
}

// ValidationError is a user-facing rejection of deploy input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateConfig checks the template repository format and the project name.
func ValidateConfig(cfg DeployConfig) error {
	if err := validation.Validate(cfg.TemplateRepo,
		validation.Required.Error("template repository is required"),
		validation.By(templateRepoRule),
	); err != nil {
		return &ValidationError{Field: "template_repo", Message: err.Error()}
	}
	return ValidateProjectName(cfg.ProjectName)
}

// ValidateProjectName checks that name is usable as both a repository and a hosting project name.
func ValidateProjectName(name string) error {
	if err := validation.Validate(name,
		validation.Required.Error("project name is required"),
		validation.Length(minProjectNameLength, 0).Error("project name must be at least 3 characters long"),
		validation.Length(0, maxProjectNameLength).Error("project name must be at most 100 characters long"),
		validation.Match(projectNamePattern).Error("project name may only contain lowercase letters, numbers, and hyphens"),
	); err != nil {
		return &ValidationError{Field: "project_name", Message: err.Error()}
	}
	return nil
}

func templateRepoRule(value interface{}) error {
	s, _ := value.(string)
	owner, repo, ok := splitTemplateRepo(s)
	if !ok || owner == "" || repo == "" {
		return errTemplateRepoShape
	}
	return nil
}

func splitTemplateRepo(s string) (owner, repo string, ok bool) {
	if strings.Count(s, "/") != 1 {
		return "", "", false
	}
	owner, repo, _ = strings.Cut(s, "/")
	return strings.TrimSpace(owner), strings.TrimSpace(repo), true
}

// NormalizeProjectName lowercases name and collapses anything outside [a-z0-9] into single
// hyphens.
func NormalizeProjectName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	return strings.Trim(nonProjectNameRunes.ReplaceAllString(lowered, "-"), "-")
}
