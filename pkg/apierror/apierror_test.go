package apierror

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindBadInput, "name must match %q", "^[a-z]+$")
	assert.Equal(t, KindBadInput, KindOf(err))
	assert.Contains(t, err.Error(), "^[a-z]+$")

	// wrapping with %w keeps the kind reachable
	wrapped := fmt.Errorf("handling request: %w", err)
	assert.Equal(t, KindBadInput, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindTransient, io.ErrUnexpectedEOF, "reading segment")
	assert.Equal(t, KindTransient, KindOf(err))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "reading segment: unexpected EOF", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindBadInput:          http.StatusBadRequest,
		KindNotFound:          http.StatusNotFound,
		KindConflict:          http.StatusConflict,
		KindResourceExhausted: http.StatusTooManyRequests,
		KindTransient:         http.StatusServiceUnavailable,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), kind.String())
	}

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))

	// explicit override wins over the kind default
	tooLarge := NewStatus(KindResourceExhausted, http.StatusRequestEntityTooLarge, "batch of %d exceeds cap", 20000)
	assert.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(tooLarge))
	assert.Equal(t, KindResourceExhausted, KindOf(tooLarge))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(New(KindNotFound, "metric %q not found", "cpu")))
	assert.False(t, IsNotFound(New(KindConflict, "dup")))
	assert.True(t, IsConflict(New(KindConflict, "dup")))
}
