package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	wrapped := WrapSessionID("sess_abc123", 42)
	assert.Equal(t, "user-42-sess_abc123", wrapped)

	raw, err := UnwrapSessionID(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "sess_abc123", raw)

	userID, err := ExtractUserID(wrapped)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestValidateOwnership(t *testing.T) {
	wrapped := WrapSessionID("sess_abc", 7)
	assert.True(t, ValidateOwnership(wrapped, 7))
	assert.False(t, ValidateOwnership(wrapped, 8))
}

func TestUnwrapSessionIDRejectsMalformed(t *testing.T) {
	_, err := UnwrapSessionID("not-a-wrapped-id")
	assert.Error(t, err)

	_, err = UnwrapSessionID("user-notanumber-sess_abc")
	require.NoError(t, err) // unwrap only needs the raw suffix, not a valid user id

	_, err = ExtractUserID("user-notanumber-sess_abc")
	assert.Error(t, err)
}

func TestWrapSessionIDPreservesDashesInRawID(t *testing.T) {
	wrapped := WrapSessionID("sess-with-dashes", 1)
	raw, err := UnwrapSessionID(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "sess-with-dashes", raw)
}
