// Package sandbox gates sends while the sending identity is in SES sandbox
// mode, where every recipient must be a verified identity before SES will
// accept the message.
package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/shineum/ses-notify/internal/apperror"
	"github.com/shineum/ses-notify/internal/email"
	"github.com/shineum/ses-notify/internal/metrics"
)

const component = "SandboxManager"

// MaxStatusBatch is the largest number of identities one status call may
// carry.
const MaxStatusBatch = 100

// StatusSuccess is the only verification status treated as verified.
const StatusSuccess = "Success"

// Config enables sandbox mode. A nil *Config disables it.
type Config struct {
	// VerifyOnEachSend skips the cache read so every gate call queries
	// status. Results are still written to the cache.
	VerifyOnEachSend bool
}

// VerificationAPI is the identity verification capability the gate needs.
type VerificationAPI interface {
	// GetVerificationStatus returns the status string of each address it
	// knows. It is never called with more than MaxStatusBatch addresses.
	GetVerificationStatus(ctx context.Context, addresses []string) (map[string]string, error)
	// StartVerification asks the provider to send a verification email.
	StartVerification(ctx context.Context, address string) error
}

// Manager caches verification results and starts verification for
// addresses that are not yet verified.
type Manager struct {
	api              VerificationAPI
	logger           *slog.Logger
	verifyOnEachSend bool

	mu       sync.Mutex
	verified map[string]bool
	pending  map[string]struct{}
}

// New returns a Manager, or nil when cfg or api is nil (sandbox disabled).
func New(cfg *Config, api VerificationAPI, logger *slog.Logger) *Manager {
	if cfg == nil || api == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		api:              api,
		logger:           logger,
		verifyOnEachSend: cfg.VerifyOnEachSend,
		verified:         make(map[string]bool),
		pending:          make(map[string]struct{}),
	}
}

// CheckAndVerifyAddresses succeeds when every address is verified. Otherwise
// it starts verification for new unverified addresses and returns a
// retryable error naming all unverified ones.
//
// Concurrent calls are memory safe but not serialized; overlapping calls may
// both start verification for the same address.
func (m *Manager) CheckAndVerifyAddresses(ctx context.Context, likes ...email.AddressLike) error {
	addresses := email.Normalize(likes...)
	if len(addresses) == 0 {
		return nil
	}

	working := m.workingSet(addresses)
	if len(working) == 0 {
		metrics.IncSandboxGate("cached")
		return nil
	}

	statuses, err := m.fetchStatuses(ctx, working)
	if err != nil {
		metrics.IncSandboxGate("error")
		return apperror.Wrap(err, apperror.KindInternal, component,
			"Failed to check email verification status")
	}

	var unverified, toStart []string

	m.mu.Lock()
	for _, addr := range working {
		ok := statuses[addr]
		m.verified[addr] = ok
		if ok {
			delete(m.pending, addr)
			continue
		}
		unverified = append(unverified, addr)
		if _, started := m.pending[addr]; !started {
			toStart = append(toStart, addr)
		}
	}
	m.mu.Unlock()

	if len(unverified) == 0 {
		metrics.IncSandboxGate("passed")
		return nil
	}

	for _, addr := range toStart {
		m.startVerification(ctx, addr)
	}

	metrics.IncSandboxGate("pending")
	return apperror.New(apperror.KindRetryable, component,
		"Email verification pending for sandbox mode: %s", strings.Join(unverified, ", "))
}

// workingSet returns the addresses that need a status query.
func (m *Manager) workingSet(addresses []string) []string {
	if m.verifyOnEachSend {
		return addresses
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var working []string
	for _, addr := range addresses {
		if !m.verified[addr] {
			working = append(working, addr)
		}
	}
	return working
}

// fetchStatuses queries addresses in batches of MaxStatusBatch. Any batch
// failure discards every result.
func (m *Manager) fetchStatuses(ctx context.Context, addresses []string) (map[string]bool, error) {
	result := make(map[string]bool, len(addresses))

	for start := 0; start < len(addresses); start += MaxStatusBatch {
		end := min(start+MaxStatusBatch, len(addresses))
		batch := addresses[start:end]

		metrics.IncVerificationCall("status")
		statuses, err := m.api.GetVerificationStatus(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, addr := range batch {
			result[addr] = statuses[addr] == StatusSuccess
		}
	}

	return result, nil
}

func (m *Manager) startVerification(ctx context.Context, address string) {
	metrics.IncVerificationCall("start")
	if err := m.api.StartVerification(ctx, address); err != nil {
		metrics.IncVerificationCall("start_failed")
		m.logger.Warn("failed to start email verification",
			"address", address,
			"error", err,
		)
	}

	m.mu.Lock()
	m.pending[address] = struct{}{}
	m.mu.Unlock()
}

// IsAddressCached reports whether address has a cached status.
func (m *Manager) IsAddressCached(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.verified[address]
	return ok
}

// GetCachedStatus returns the cached status of address and whether one
// exists.
func (m *Manager) GetCachedStatus(address string) (verified, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	verified, ok = m.verified[address]
	return verified, ok
}

// IsPending reports whether verification was started for address.
func (m *Manager) IsPending(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[address]
	return ok
}

// ClearCache forgets every cached status and pending verification.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.verified)
	clear(m.pending)
}
