package syncerr

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreWrapping(t *testing.T) {
	err := Store("append", errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	assert.ErrorIs(t, Store("query", context.DeadlineExceeded), ErrTimeout)
	assert.NotErrorIs(t, Store("query", context.DeadlineExceeded), ErrStoreUnavailable)

	validation := Validation("empty message")
	assert.Same(t, validation, Store("append", validation))
	assert.NoError(t, Store("append", nil))
}

func TestTransportWrapping(t *testing.T) {
	err := Transport("publish", errors.New("broken pipe"))
	assert.ErrorIs(t, err, ErrTransportDisconnected)
	assert.Same(t, err, Transport("again", err))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{Validation("x"), http.StatusBadRequest, "validation_failed"},
		{ErrInvalidChannel, http.StatusForbidden, "invalid_channel"},
		{Store("q", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{Store("q", errors.New("down")), http.StatusServiceUnavailable, "store_unavailable"},
		{Transport("p", errors.New("down")), http.StatusServiceUnavailable, "transport_disconnected"},
		{errors.New("other"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), tc.err.Error())
		assert.Equal(t, tc.code, Code(tc.err), tc.err.Error())
	}
}
