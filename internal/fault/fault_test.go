package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		kind      Kind
		retryable bool
	}{
		{"transient IO", TransientIO("disk full", nil), KindTransientIO, true},
		{"corrupt artifact", CorruptArtifact("bad checksum", nil), KindCorruptArtifact, false},
		{"version mismatch", VersionMismatch("wrong dump format", nil), KindVersionMismatch, false},
		{"missing baseline", MissingBaseline("no full backup", nil), KindMissingBaseline, false},
		{"recovery in progress", RecoveryInProgress("busy"), KindRecoveryInProgress, false},
		{"configuration", Configuration("bad config", nil), KindConfiguration, false},
		{"verification", Verification("check failed", nil), KindVerification, false},
		{"not found", NotFound("missing", nil), KindNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.True(t, IsKind(tt.err, tt.kind))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransientIO("upload failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upload failed")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsKindThroughWrapping(t *testing.T) {
	inner := MissingBaseline("no full backup", nil)
	wrapped := fmt.Errorf("planning failed: %w", inner)

	assert.True(t, IsKind(wrapped, KindMissingBaseline))
	assert.Equal(t, KindMissingBaseline, KindOf(wrapped))
	assert.False(t, IsKind(wrapped, KindTransientIO))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWithContext(t *testing.T) {
	err := TransientIO("upload failed", nil).
		WithContext("artifact_id", "orders-db-20260101-120000-abcd1234").
		WithContext("site", "us-east")

	require.NotNil(t, err.Context)
	assert.Equal(t, "us-east", err.Context["site"])
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	assert.False(t, errs.HasErrors())

	errs.Add("bucket", "S3 bucket name is required", "")
	errs.Add("region", "S3 region is required", "")

	require.True(t, errs.HasErrors())
	assert.Len(t, errs, 2)
	assert.Contains(t, errs.Error(), "2 validation errors")
	assert.Contains(t, errs.Error(), "bucket")
}
