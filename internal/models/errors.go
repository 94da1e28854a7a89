package models

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a backend that lacks a credential or catalog
type ConfigurationError struct {
	Backend string
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s is not configured: missing %s", e.Backend, e.Missing)
}

// UpstreamError reports a transport failure or non-2xx answer from a backend or the platform
type UpstreamError struct {
	Backend    string
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(" request failed")
	if e.Status != "" {
		b.WriteString(": ")
		b.WriteString(e.Status)
	} else if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// EmptyCompletionError reports a successful response without any choice or candidate.
// Providers answer this way on content-policy or quota conditions.
type EmptyCompletionError struct {
	Backend string
	Model   string
}

func (e *EmptyCompletionError) Error() string {
	return fmt.Sprintf("%s returned no completion for model %s", e.Backend, e.Model)
}

// ValidationError reports an unsupported locale, model or command argument
type ValidationError struct {
	Field string
	Value string
	Valid []string
}

func (e *ValidationError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
	}
	return fmt.Sprintf("invalid %s: %q (valid: %s)", e.Field, e.Value, strings.Join(e.Valid, ", "))
}

// NotFoundError reports an unknown command
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}
