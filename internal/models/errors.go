package models

import "fmt"

// ProviderError represents a failed call against a cloud or cluster API
type ProviderError struct {
	Provider  string // "aws", "kubernetes", "helm"
	Operation string // "create-cluster", "put-rule", "install", etc.
	Resource  string // resource name or node id
	Cause     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error during %s operation on resource '%s': %v",
		e.Provider, e.Operation, e.Resource, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ValidationError represents an invalid stack configuration value
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// PreconditionError is returned when a node is applied before something it
// needs exists, e.g. a service account whose namespace is missing. It is
// fatal for the run and must not be retried blindly.
type PreconditionError struct {
	Resource    string
	Requirement string
	Cause       error
}

func (e *PreconditionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("precondition failed for '%s': %s: %v", e.Resource, e.Requirement, e.Cause)
	}
	return fmt.Sprintf("precondition failed for '%s': %s", e.Resource, e.Requirement)
}

func (e *PreconditionError) Unwrap() error {
	return e.Cause
}

// StateError represents failures reading or writing persisted run state
type StateError struct {
	Backend   string // "s3", "file"
	Operation string // "load", "save", "delete"
	Location  string
	Cause     error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s state %s failed at '%s': %v", e.Backend, e.Operation, e.Location, e.Cause)
}

func (e *StateError) Unwrap() error {
	return e.Cause
}
