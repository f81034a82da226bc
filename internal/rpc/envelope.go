// Package rpc provides request/response calls over the one-way broker.
//
// A Channel publishes each Request with a fresh correlation id and the name
// of its private reply destination, then parks the caller until a Reply
// carrying the same id arrives, the deadline passes, or the connection is
// lost. Error replies are data: they come back as a *Reply with StatusError,
// never as a Go error, so "the server said no" stays distinguishable from
// "the server never answered".
package rpc

import (
	"fmt"
	"time"

	"parkline/internal/broker"
	"parkline/pkg/codec"
)

// Operation names a backend operation.
type Operation string

const (
	OpGetTransactions Operation = "GetTransactions"
	OpGetCitations    Operation = "GetCitations"
	OpRecommendSpace  Operation = "RecommendSpace"
	OpReserveSpace    Operation = "ReserveSpace"
	OpReportCitation  Operation = "ReportCitation"
)

// Status tags a Reply.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Header keys set on broker messages next to the encoded envelope.
const (
	HeaderKind      = "parkline-kind"
	HeaderOperation = "parkline-op"

	kindRequest = "request"
	kindReply   = "reply"
)

// Request is the wire envelope for a call.
type Request struct {
	Operation      Operation         `cbor:"op"`
	CorrelationID  string            `cbor:"correlation_id"`
	ReplyTo        string            `cbor:"reply_to"`
	IdempotencyKey string            `cbor:"idempotency_key,omitempty"`
	SentAt         time.Time         `cbor:"sent_at"`
	Headers        map[string]string `cbor:"headers,omitempty"`
	Payload        codec.RawMessage  `cbor:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return NewError(CodeBadRequest, "request payload is required")
	}
	if err := codec.Unmarshal(r.Payload, v); err != nil {
		return Wrap(err, CodeBadRequest, fmt.Sprintf("malformed %s payload", r.Operation))
	}
	return nil
}

// ErrorDetail carries a stable code and a human-readable message.
type ErrorDetail struct {
	Code    Code   `cbor:"code"`
	Message string `cbor:"message"`
}

// Reply is the wire envelope for the answer to a Request.
type Reply struct {
	CorrelationID string           `cbor:"correlation_id"`
	Status        Status           `cbor:"status"`
	Error         *ErrorDetail     `cbor:"error,omitempty"`
	Body          codec.RawMessage `cbor:"body,omitempty"`
}

// OK reports whether the reply carries a result.
func (r *Reply) OK() bool {
	return r != nil && r.Status == StatusOK
}

// Err returns the reply's error as an *Error, or nil for an Ok reply.
func (r *Reply) Err() error {
	if r == nil || r.Status == StatusOK {
		return nil
	}
	if r.Error == nil {
		return NewError(CodeInternal, "error reply without detail")
	}
	return NewError(r.Error.Code, r.Error.Message)
}

// Decode unmarshals the body of an Ok reply into v.
func (r *Reply) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Body) == 0 {
		return nil
	}
	if err := codec.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode reply body: %w", err)
	}
	return nil
}

// NewOKReply encodes body into an Ok reply.
func NewOKReply(correlationID string, body any) (*Reply, error) {
	raw, err := codec.Raw(body)
	if err != nil {
		return nil, err
	}
	return &Reply{CorrelationID: correlationID, Status: StatusOK, Body: raw}, nil
}

// NewErrorReply converts err into an Error reply with a stable code.
func NewErrorReply(correlationID string, err error) *Reply {
	return &Reply{
		CorrelationID: correlationID,
		Status:        StatusError,
		Error: &ErrorDetail{
			Code:    CodeOf(err),
			Message: MessageOf(err),
		},
	}
}

// EncodeRequest wraps req in a broker message keyed by its correlation id.
func EncodeRequest(req *Request) (broker.Message, error) {
	body, err := codec.Marshal(req)
	if err != nil {
		return broker.Message{}, fmt.Errorf("encode request: %w", err)
	}
	return broker.Message{
		Key: req.CorrelationID,
		Headers: map[string]string{
			HeaderKind:      kindRequest,
			HeaderOperation: string(req.Operation),
		},
		Body: body,
	}, nil
}

// DecodeRequest reads a Request from a broker message.
func DecodeRequest(msg broker.Message) (*Request, error) {
	var req Request
	if err := codec.Unmarshal(msg.Body, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("decode request: missing correlation id")
	}
	return &req, nil
}

// EncodeReply wraps reply in a broker message keyed by its correlation id.
func EncodeReply(reply *Reply) (broker.Message, error) {
	body, err := codec.Marshal(reply)
	if err != nil {
		return broker.Message{}, fmt.Errorf("encode reply: %w", err)
	}
	return broker.Message{
		Key:     reply.CorrelationID,
		Headers: map[string]string{HeaderKind: kindReply},
		Body:    body,
	}, nil
}

// DecodeReply reads a Reply from a broker message.
func DecodeReply(msg broker.Message) (*Reply, error) {
	var reply Reply
	if err := codec.Unmarshal(msg.Body, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.CorrelationID == "" {
		return nil, fmt.Errorf("decode reply: missing correlation id")
	}
	return &reply, nil
}
