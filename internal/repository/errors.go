package repository

import "errors"

// ErrNotFound indicates an entity was not located for the requesting owner.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidTransition indicates a write against a deployment that is no longer in progress.
var ErrInvalidTransition = errors.New("repository: deployment is no longer in progress")

// ErrInvalidArgument indicates the store rejected a malformed value.
var ErrInvalidArgument = errors.New("repository: invalid argument")
