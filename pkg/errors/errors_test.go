package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := NewNetworkError("connection reset")
	assert.Equal(t, "NETWORK_ERROR: connection reset", err.Error())

	wrapped := NewServerError("upstream failed").WithCause(stderrors.New("dial timeout"))
	assert.Equal(t, "SERVER_ERROR: upstream failed (caused by: dial timeout)", wrapped.Error())
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("dial timeout")
	err := NewNetworkError("connection reset").WithCause(cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestWithDetail(t *testing.T) {
	err := NewRateLimitError("slow down").
		WithDetail("retry_after", "30s").
		WithDetail("endpoint", "/v1/weather")

	assert.Equal(t, "30s", err.Details["retry_after"])
	assert.Equal(t, "/v1/weather", err.Details["endpoint"])
}

func TestNewHTTPError(t *testing.T) {
	tests := []struct {
		status   int
		wantKind Kind
		wantCode string
	}{
		{401, KindAuthentication, "AUTHENTICATION_ERROR"},
		{403, KindAuthentication, "AUTHENTICATION_ERROR"},
		{429, KindRateLimit, "RATE_LIMIT_EXCEEDED"},
		{500, KindServerError, "SERVER_ERROR"},
		{503, KindServerError, "SERVER_ERROR"},
		{400, KindClientError, "CLIENT_ERROR"},
		{404, KindClientError, "CLIENT_ERROR"},
		{302, KindUnknown, "UNKNOWN_ERROR"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewHTTPError(tt.status, "boom")
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, fmt.Sprintf("%d", tt.status), err.Details["status_code"])
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindData, KindOf(NewDataError("bad payload")))
	assert.Equal(t, KindUnknown, KindOf(stderrors.New("plain error")))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("fetching forecast: %w", NewRateLimitError("slow down"))
	assert.Equal(t, KindRateLimit, KindOf(wrapped))
}

func TestIsKind(t *testing.T) {
	err := NewAuthenticationError("bad token")
	assert.True(t, IsKind(err, KindAuthentication))
	assert.False(t, IsKind(err, KindNetwork))
	assert.False(t, IsKind(stderrors.New("plain"), KindAuthentication))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, "VALIDATION_ERROR", GetCode(NewValidationError("missing key")))
	assert.Equal(t, "UNKNOWN_ERROR", GetCode(stderrors.New("plain")))
}

func TestValidKindsExcludesEngineOutcomes(t *testing.T) {
	kinds := ValidKinds()
	require.NotEmpty(t, kinds)
	assert.NotContains(t, kinds, KindCircuitOpen)
	assert.NotContains(t, kinds, KindCancelled)
}
