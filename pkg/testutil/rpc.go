package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkline/internal/rpc"
	"parkline/pkg/codec"
)

// NewRequest builds a request envelope with payload encoded as its body.
func NewRequest(t *testing.T, op rpc.Operation, payload any) *rpc.Request {
	t.Helper()
	raw, err := codec.Raw(payload)
	require.NoError(t, err, "failed to encode payload")
	return &rpc.Request{Operation: op, CorrelationID: "test-" + string(op), Payload: raw}
}

// DecodeOK requires reply to be an Ok reply and decodes its body.
func DecodeOK[T any](t *testing.T, reply *rpc.Reply) T {
	t.Helper()
	require.NotNil(t, reply, "no reply")
	require.True(t, reply.OK(), "expected ok reply, got %+v", reply.Error)
	var out T
	require.NoError(t, reply.Decode(&out))
	return out
}

// AssertErrorCode asserts reply is an Error reply with code.
func AssertErrorCode(t *testing.T, reply *rpc.Reply, code rpc.Code) {
	t.Helper()
	require.NotNil(t, reply, "no reply")
	require.False(t, reply.OK(), "expected an error reply")
	require.NotNil(t, reply.Error)
	assert.Equal(t, code, reply.Error.Code, "unexpected error code")
}
