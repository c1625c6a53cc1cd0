// Package templates loads a catalog of logic-less email templates, each
// paired with a JSON Schema for its data, from a pluggable source and
// renders them on demand.
package templates

import "context"

// On-disk and in-bucket layout of one template: <root>/<id>/<file>.
const (
	// BodyFile holds the Handlebars template body.
	BodyFile = "handlebars.template.html"
	// SchemaFile holds the JSON Schema the template data must satisfy.
	SchemaFile = "data.schema.json"
)

// Files is the raw text of one template.
type Files struct {
	Template string
	Schema   string
}

// Provider enumerates template identifiers and fetches their raw files.
type Provider interface {
	// ListIDs returns the identifiers of every available template.
	ListIDs(ctx context.Context) ([]string, error)

	// GetFiles returns the template body and schema text for id.
	GetFiles(ctx context.Context, id string) (Files, error)
}
