package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MessageIncludesComponentAndCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := Wrap(cause, KindUpstream, "S3TemplateProvider", "Failed to list templates from %s", "S3")

	assert.Equal(t, "S3TemplateProvider: Failed to list templates from S3: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestError_NoComponent(t *testing.T) {
	t.Parallel()

	err := New(KindInvalidData, "", "missing content")
	assert.Equal(t, "missing content", err.Error())
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("boom"), want: ""},
		{name: "direct", err: New(KindRetryable, "SandboxManager", "pending"), want: KindRetryable},
		{
			name: "wrapped by fmt",
			err:  fmt.Errorf("outer: %w", New(KindNotFound, "LocalTemplateProvider", "File not found")),
			want: KindNotFound,
		},
		{
			name: "outermost wins",
			err:  Wrap(New(KindInvalidArgument, "TemplateManager", "bad"), KindUnexpectedState, "SesNotificationService", "render failed"),
			want: KindUnexpectedState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, IsRetryable(New(KindRetryable, "SandboxManager", "pending")))
	require.False(t, IsRetryable(New(KindInternal, "SandboxManager", "status check failed")))
	require.False(t, IsRetryable(nil))
}

func TestHas(t *testing.T) {
	t.Parallel()

	inner := New(KindInvalidArgument, "TemplateManager", "Validation error")
	outer := Wrap(fmt.Errorf("render: %w", inner), KindUnexpectedState, "SesNotificationService", "Template rendering failed")

	assert.True(t, Has(outer, KindUnexpectedState))
	assert.True(t, Has(outer, KindInvalidArgument))
	assert.False(t, Has(outer, KindRetryable))
	assert.False(t, Has(errors.New("plain"), KindInternal))
	assert.False(t, Has(nil, KindInternal))
}
