package websocket

import (
	"strings"

	"github.com/truenas/middleware-sub000/internal/runtime"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/events"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
)

const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 error codes. Every failure of a dispatched call is reported
// as CodeCallError with the typed error in Data.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInvalidParams  = -32602
	CodeCallError      = -32001
)

// CollectionUpdate is the notification method carrying event frames.
const CollectionUpdate = "collection_update"

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Data    *runtime.ReplyError `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Err returns the typed dispatcher error carried by e, or e itself for
// protocol errors.
func (e *RPCError) Err() error {
	if e.Data == nil {
		return errspkg.New(errspkg.KindValidation, "%s", e.Message)
	}
	return runtime.Reply{Error: e.Data}.Err()
}

// Message is any frame a server sends: a response when ID or Error is set,
// a notification when Method is set.
type Message struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type resultResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result"`
}

type errorResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Error   *RPCError `json:"error"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// CollectionParams is the params member of a collection_update
// notification.
type CollectionParams struct {
	Msg          string `json:"msg"`
	Collection   string `json:"collection"`
	ID           any    `json:"id,omitempty"`
	Fields       any    `json:"fields,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	Node         string `json:"node,omitempty"`
}

func encodeReply(r runtime.Reply) ([]byte, error) {
	if r.Error != nil {
		return jsoncodec.Marshal(errorResponse{
			JSONRPC: jsonrpcVersion,
			ID:      r.ID,
			Error:   &RPCError{Code: CodeCallError, Message: r.Error.Message, Data: r.Error},
		})
	}
	return jsoncodec.Marshal(resultResponse{JSONRPC: jsonrpcVersion, ID: r.ID, Result: r.Result})
}

func encodeProtocolError(id any, code int, msg string) ([]byte, error) {
	return jsoncodec.Marshal(errorResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: msg},
	})
}

func encodeFrame(f events.Frame) ([]byte, error) {
	return jsoncodec.Marshal(notification{
		JSONRPC: jsonrpcVersion,
		Method:  CollectionUpdate,
		Params: CollectionParams{
			Msg:          strings.ToLower(f.Type),
			Collection:   f.Channel,
			ID:           f.ID,
			Fields:       f.Payload,
			Subscription: f.Subscription,
			Node:         f.Node,
		},
	})
}
