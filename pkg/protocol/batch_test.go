package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBatchRequest(t *testing.T) {
	req, err := NewRequest(1, "tools/list", nil)
	require.NoError(t, err)
	n, err := NewNotification("notifications/cancelled", CancelledParams{ID: 2})
	require.NoError(t, err)

	batch, err := NewBatchRequest(req, n)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Len())
	assert.Len(t, batch.Requests(), 1)
	assert.Len(t, batch.Notifications(), 1)
}

func TestNewBatchRequestRejectsEmpty(t *testing.T) {
	_, err := NewBatchRequest()
	assert.Error(t, err)
}

func TestNewBatchRequestRejectsResponses(t *testing.T) {
	resp, err := NewResponse(1, nil)
	require.NoError(t, err)
	_, err = NewBatchRequest(resp)
	assert.Error(t, err)
}

func TestDecodeBatchMalformedItemDoesNotFailSiblings(t *testing.T) {
	// Item 2 is malformed; items 1 and 3 must still decode and process.
	data := `[
		{"jsonrpc":"2.0","id":1,"method":"tools/list"},
		{"jsonrpc":"2.0","id":2},
		{"jsonrpc":"2.0","id":3,"method":"ping"}
	]`
	msg, err := DecodeMessage([]byte(data))
	require.NoError(t, err)
	batch := msg.(*BatchRequest)

	assert.Equal(t, 3, batch.Len())
	require.Len(t, batch.Requests(), 2)
	assert.Equal(t, "tools/list", batch.Requests()[0].Method)
	assert.Equal(t, "ping", batch.Requests()[1].Method)

	errs := batch.DecodeErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, InvalidRequest, errs[0].Error.Code)
	// The malformed item still had a parseable id, so the error correlates.
	assert.Equal(t, IDKey(2), IDKey(errs[0].ID))
}

func TestDecodeBatchUnrecoverableIDMapsToNull(t *testing.T) {
	data := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":{"bad":1}}]`
	msg, err := DecodeMessage([]byte(data))
	require.NoError(t, err)
	batch := msg.(*BatchRequest)

	errs := batch.DecodeErrors()
	require.Len(t, errs, 1)
	assert.Nil(t, errs[0].ID)
}

func TestDecodeBatchOfResponses(t *testing.T) {
	data := `[
		{"jsonrpc":"2.0","id":1,"result":{"ok":true}},
		{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}
	]`
	msg, err := DecodeMessage([]byte(data))
	require.NoError(t, err)
	batch := msg.(*BatchResponse)

	assert.Equal(t, 2, batch.Len())
	resp, ok := batch.ByID(1)
	require.True(t, ok)
	assert.Nil(t, resp.Error)
	resp, ok = batch.ByID(2)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestDecodeBatchRejectsNestedBatch(t *testing.T) {
	data := `[{"jsonrpc":"2.0","id":1,"method":"ping"},[{"jsonrpc":"2.0","id":2,"method":"ping"}]]`
	msg, err := DecodeMessage([]byte(data))
	require.NoError(t, err)
	batch := msg.(*BatchRequest)

	assert.Len(t, batch.Requests(), 1)
	assert.Len(t, batch.DecodeErrors(), 1)
}

func TestDecodeEmptyBatchRejected(t *testing.T) {
	_, err := DecodeMessage([]byte(`[]`))
	assert.Error(t, err)
}

func TestBatchRequestMarshalSkipsDecodeErrors(t *testing.T) {
	req, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)
	batch := BatchRequest{
		{Request: req},
		{DecodeErr: &Error{Code: InvalidRequest, Message: "bad"}},
	}

	data, err := json.Marshal(batch)
	require.NoError(t, err)

	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &items))
	assert.Len(t, items, 1)
}
