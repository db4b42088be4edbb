package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "dexcrow/native/common"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeDuplicateTx    = -32010
	codeRateLimited    = -32020
	codeCallFailed     = -32030
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CallErrorData accompanies codeCallFailed. Receipt is set when the call
// was executed and its nonce consumed.
type CallErrorData struct {
	Kind      string      `json:"kind"`
	Retryable bool        `json:"retryable"`
	Receipt   interface{} `json:"receipt,omitempty"`
}

// statusForError maps an error kind onto the HTTP status of the reply.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, nativecommon.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, nativecommon.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrStatePrecondition), errors.Is(err, nativecommon.ErrReplay):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrEconomic), errors.Is(err, nativecommon.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nativecommon.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeCallError(w http.ResponseWriter, id interface{}, err error, receipt interface{}) {
	writeError(w, statusForError(err), id, codeCallFailed, err.Error(), CallErrorData{
		Kind:      nativecommon.KindOf(err),
		Retryable: nativecommon.Retryable(err),
		Receipt:   receipt,
	})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}
