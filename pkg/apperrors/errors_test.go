package apperrors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsMatchSentinels(t *testing.T) {
	cases := []struct {
		err   error
		kind  Kind
		check func(error) bool
	}{
		{Validation("body is empty"), KindValidation, IsValidation},
		{Denied("recipient %d is blocked", 7), KindDenied, IsDenied},
		{Transient("upload", io.ErrUnexpectedEOF), KindTransient, IsTransient},
		{Conflict("reaction exists"), KindConflict, IsConflict},
		{NotFound("message %d", 3), KindNotFound, IsNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, KindOf(tc.err))
		assert.True(t, tc.check(tc.err), tc.kind)
	}
}

func TestTransientKeepsCause(t *testing.T) {
	err := Transient("fetch transcript", io.ErrClosedPipe)
	wrapped := fmt.Errorf("select: %w", err)

	assert.ErrorIs(t, wrapped, io.ErrClosedPipe)
	assert.ErrorIs(t, wrapped, ErrTransient)
	assert.False(t, IsDenied(wrapped))
	assert.Equal(t, "fetch transcript: io: read/write on closed pipe", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
