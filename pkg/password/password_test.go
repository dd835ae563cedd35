package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)
	assert.True(t, Verify("correct horse", hash))
	assert.False(t, Verify("battery staple", hash))
}

func TestHashRejectsOverlongPassword(t *testing.T) {
	_, err := Hash(string(make([]byte, 80)))
	assert.ErrorIs(t, err, ErrTooLong)
}
