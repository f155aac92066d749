package relay

import (
	"errors"

	"relaygate/pkg/models"
)

// JSON-RPC style error codes surfaced to clients.
const (
	CodeServerError    = -32000 // routing failures: no device, device gone, timeouts
	CodeDeviceBusy     = -32001 // device already bound to another client
	CodeInvalidRequest = -32600 // CDP frame before handshake completion
	CodeParseError     = -32700 // malformed JSON
)

// ErrDeviceBusy is returned by AddClient when a second client attempts to
// bind an already-bound device under the single-client policy.
var ErrDeviceBusy = errors.New("device already bound to another client")

func errorPayload(code int, message string) *models.ErrorPayload {
	return &models.ErrorPayload{Code: code, Message: message}
}

func errorResponse(id *int64, code int, message string) *models.Message {
	return &models.Message{ID: id, Error: errorPayload(code, message)}
}
