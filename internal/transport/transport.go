// Package transport defines the interface for outbound mail delivery
// backends.
package transport

import (
	"context"

	"github.com/shineum/ses-notify/internal/email"
)

// Transport hands a fully composed message to a delivery backend.
// Each transport handles the actual sending to the target service
// (e.g., stdout, AWS SES).
type Transport interface {
	// Send delivers msg and returns the backend-assigned message id.
	Send(ctx context.Context, msg *email.Message) (string, error)

	// Name returns the human-readable name of this transport.
	Name() string
}
