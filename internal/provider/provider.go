package provider

import (
	"context"
	"fmt"
)

// Client wraps outbound calls to the messaging provider. Every send returns
// the provider-assigned message id on success.
type Client interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to, kind, link, caption string) (string, error)
	SendTemplate(ctx context.Context, to, name, languageCode string, components []TemplateComponent) (string, error)
}

// TemplateComponent is one parameterized block of a pre-approved template.
type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// APIError is a rejection from the provider's API, as opposed to a transport
// failure. Its message is safe to surface to agents.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider rejected request (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}
