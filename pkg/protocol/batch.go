package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BatchItem holds one element of a batch. For locally constructed batches
// exactly one of Request or Notification is set. For decoded batches an item
// that failed to decode carries DecodeErr instead, plus the recovered id when
// the malformed item still had a parseable id member (ErrID stays nil for the
// unrecoverable case, which maps to an id:null error response).
type BatchItem struct {
	Request      *Request
	Notification *Notification
	DecodeErr    *Error
	ErrID        interface{}
}

// BatchRequest is an ordered sequence of requests and notifications sent as
// one wire-level unit. Items decode and are processed independently; a
// malformed item never fails its siblings.
type BatchRequest []BatchItem

// NewBatchRequest creates a batch from requests and notifications. At least
// one item is required.
func NewBatchRequest(msgs ...Message) (*BatchRequest, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("batch must contain at least one item")
	}
	batch := make(BatchRequest, 0, len(msgs))
	for _, msg := range msgs {
		switch v := msg.(type) {
		case *Request:
			if v == nil {
				return nil, fmt.Errorf("batch item must not be nil")
			}
			batch = append(batch, BatchItem{Request: v})
		case *Notification:
			if v == nil {
				return nil, fmt.Errorf("batch item must not be nil")
			}
			batch = append(batch, BatchItem{Notification: v})
		default:
			return nil, fmt.Errorf("batch items must be requests or notifications, got %T", msg)
		}
	}
	return &batch, nil
}

// Len returns the number of items in the batch
func (b *BatchRequest) Len() int {
	if b == nil {
		return 0
	}
	return len(*b)
}

// Requests returns the successfully decoded requests in the batch
func (b *BatchRequest) Requests() []*Request {
	var reqs []*Request
	for _, item := range *b {
		if item.Request != nil {
			reqs = append(reqs, item.Request)
		}
	}
	return reqs
}

// Notifications returns the successfully decoded notifications in the batch
func (b *BatchRequest) Notifications() []*Notification {
	var notifs []*Notification
	for _, item := range *b {
		if item.Notification != nil {
			notifs = append(notifs, item.Notification)
		}
	}
	return notifs
}

// DecodeErrors returns per-item error responses for items that failed to
// decode, ready to be merged into the batch response.
func (b *BatchRequest) DecodeErrors() []*Response {
	var resps []*Response
	for _, item := range *b {
		if item.DecodeErr == nil {
			continue
		}
		resps = append(resps, &Response{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
			ID:             item.ErrID,
			Error:          item.DecodeErr,
		})
	}
	return resps
}

// MarshalJSON encodes the batch as a top-level JSON array. Decode-error items
// are skipped; they exist only on the receiving side.
func (b BatchRequest) MarshalJSON() ([]byte, error) {
	items := make([]interface{}, 0, len(b))
	for _, item := range b {
		switch {
		case item.Request != nil:
			items = append(items, item.Request)
		case item.Notification != nil:
			items = append(items, item.Notification)
		}
	}
	return json.Marshal(items)
}

// BatchResponse is the set of responses for a batch. Order carries no
// guarantee relative to the originating batch; correlation is by id only.
type BatchResponse []*Response

// NewBatchResponse creates a batch response from individual responses
func NewBatchResponse(responses ...*Response) *BatchResponse {
	batch := make(BatchResponse, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			batch = append(batch, r)
		}
	}
	return &batch
}

// Len returns the number of responses in the batch
func (b *BatchResponse) Len() int {
	if b == nil {
		return 0
	}
	return len(*b)
}

// ByID returns the response carrying the given id, if present
func (b *BatchResponse) ByID(id interface{}) (*Response, bool) {
	key := IDKey(id)
	for _, r := range *b {
		if r.ID != nil && IDKey(r.ID) == key {
			return r, true
		}
	}
	return nil, false
}

// decodeBatch decodes a top-level JSON array. Each item decodes
// independently: a malformed item yields a per-item decode error rather than
// failing the batch. A batch whose decodable items are all responses decodes
// as a BatchResponse.
func decodeBatch(data []byte) (Message, error) {
	var rawItems []json.RawMessage
	if err := json.Unmarshal(data, &rawItems); err != nil {
		return nil, fmt.Errorf("malformed batch: %w", err)
	}
	if len(rawItems) == 0 {
		return nil, fmt.Errorf("batch must contain at least one item")
	}

	batch := make(BatchRequest, 0, len(rawItems))
	var responses BatchResponse
	sawRequest := false

	for _, raw := range rawItems {
		msg, err := decodeBatchItem(raw)
		if err != nil {
			batch = append(batch, BatchItem{
				DecodeErr: &Error{Code: InvalidRequest, Message: err.Error()},
				ErrID:     recoverID(raw),
			})
			continue
		}
		switch v := msg.(type) {
		case *Request:
			sawRequest = true
			batch = append(batch, BatchItem{Request: v})
		case *Notification:
			sawRequest = true
			batch = append(batch, BatchItem{Notification: v})
		case *Response:
			responses = append(responses, v)
		}
	}

	if !sawRequest && len(responses) > 0 && len(batch) == 0 {
		return &responses, nil
	}
	// Responses mixed into a request batch violate the wire contract; they
	// surface as per-item errors so siblings still process.
	for _, r := range responses {
		batch = append(batch, BatchItem{
			DecodeErr: &Error{Code: InvalidRequest, Message: "response in request batch"},
			ErrID:     r.ID,
		})
	}
	return &batch, nil
}

// decodeBatchItem decodes one batch element, which must be a single message,
// never a nested batch.
func decodeBatchItem(raw json.RawMessage) (Message, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] == '[' {
		return nil, fmt.Errorf("batch item must be an object")
	}
	var env rawEnvelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("malformed batch item: %w", err)
	}
	return decodeEnvelope(&env)
}

// recoverID extracts a usable id from a malformed item so the error response
// can still correlate. Returns nil when no valid id is recoverable.
func recoverID(raw json.RawMessage) interface{} {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || len(probe.ID) == 0 {
		return nil
	}
	id, err := decodeID(probe.ID)
	if err != nil {
		return nil
	}
	return id
}
