package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/splax/launchpad/internal/ratelimit"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/credentials"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/service/records"
)

// writeServiceError maps service errors onto HTTP statuses. Unrecognised errors are logged and
// reported without detail.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var (
		validationErr *deploy.ValidationError
		throttledErr  *ratelimit.ThrottledError
		scopeErr      *credentials.InsufficientScopeError
		providerErr   *deploy.ProviderError
	)
	switch {
	case errors.As(err, &validationErr):
		writeFieldError(w, http.StatusBadRequest, validationErr.Field, validationErr.Message)
	case errors.Is(err, deploy.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &throttledErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(throttledErr.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, throttledErr.Error())
	case errors.As(err, &scopeErr):
		writeError(w, http.StatusForbidden, scopeErr.Error())
	case errors.Is(err, credentials.ErrCredentialMissing),
		errors.Is(err, credentials.ErrCredentialRejected),
		errors.Is(err, credentials.ErrHostingNotConnected),
		errors.Is(err, credentials.ErrInvalidToken),
		errors.Is(err, credentials.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, repository.ErrInvalidTransition):
		writeError(w, http.StatusConflict, conflictMessage(err))
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.As(err, &providerErr):
		r.logger.Warn("provider call failed", "path", req.URL.Path, "step", providerErr.Step, "error", providerErr.Err)
		writeError(w, http.StatusBadGateway, deploy.Classify(err))
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func conflictMessage(err error) string {
	var transitionErr *records.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		return transitionErr.Error()
	}
	return "deployment is no longer in progress"
}

// deployStatus picks the response status of a pipeline Result.
func deployStatus(result deploy.Result) int {
	switch {
	case result.Success:
		return http.StatusAccepted
	case result.Step == "":
		// Cancelled by the owner while the pipeline was running.
		return http.StatusConflict
	case result.Step == deploy.StepGitHubAuth, result.Step == deploy.StepVercelAuth:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
