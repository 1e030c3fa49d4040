package kernel

// ProjectContext is the authenticated caller identity injected into every
// signed request by the authenticator middleware.
type ProjectContext struct {
	ProjectID   ProjectID   `json:"project_id"`
	APIKeyID    string      `json:"api_key_id"`
	Environment Environment `json:"environment"`
}

// IsValid reports whether the context identifies a project.
func (pc *ProjectContext) IsValid() bool {
	return pc != nil && !pc.ProjectID.IsEmpty()
}

// ContextKey is the type for values stored in context.Context and Fiber locals.
type ContextKey string

const (
	// ProjectContextKey stores the authenticated ProjectContext.
	ProjectContextKey ContextKey = "project_context"

	// RequestIDKey stores the per-request id echoed in response meta.
	RequestIDKey ContextKey = "request_id"
)
