package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("parse: %w", Validation(CodeVerbUnknown, "unknown verb \"dance\""))
	assert.True(t, stderrors.Is(err, Validation(CodeVerbUnknown, "")))
	assert.False(t, stderrors.Is(err, Validation(CodeArgumentMissing, "")))
}

func TestKindAndCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code Code
	}{
		{"nil", nil, "", ""},
		{"plain", stderrors.New("boom"), KindProcessing, CodeProcessingFailed},
		{"auth", Authentication("missing actor"), KindAuthentication, CodeAuthenticationFailed},
		{"rate", RateLimited("", "slow down", time.Second), KindRateLimit, CodeRateLimited},
		{"custom rate", RateLimited("chat_flood", "slow down", time.Second), KindRateLimit, Code("chat_flood")},
		{"wrapped", fmt.Errorf("outer: %w", WorkflowFailure("start", stderrors.New("dial"))), KindWorkflowFailure, CodeWorkflowFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.code, CodeOf(tt.err))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Processing("persist room state", cause)
	assert.Equal(t, "persist room state: disk full", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := &Error{Code: CodeProcessingFailed, Cause: cause}
	assert.Equal(t, "processing_failed: disk full", bare.Error())
}

func TestWithMetadataCopies(t *testing.T) {
	base := Validation(CodeCapabilityMissing, "missing capabilities").WithMetadata(map[string]string{"a": "1"})
	derived := base.WithMetadata(map[string]string{"b": "2"})
	require.Len(t, base.Metadata, 1)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, derived.Metadata)
}

func TestRateLimitedClampsRetry(t *testing.T) {
	err := RateLimited("", "slow", -time.Second)
	assert.Zero(t, err.RetryIn)
}
