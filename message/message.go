// Package message defines the request envelope exchanged between client and server,
// the reply convention, and the error tokens both sides agree on.
//
// A request is the envelope {p, d}: the dotted call path and the JSON payload.
// A reply is not enveloped. It is either a bare JSON value (the success result)
// or a plain string, which the client always reads as an error message.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Request carries a single call from client to server.
//
//	{"p": "t.echo", "d": {"now": 123}}
type Request struct {
	Path string          `json:"p"`
	Data json.RawMessage `json:"d"`
}

// Reply sends the result of a call back to the caller. A string (or error)
// value is sent verbatim and denotes an error; anything else is JSON-encoded.
type Reply func(v any)

// ShutdownCommand as the service segment of a path asks the server to shut
// down. The server sends no reply to it.
const ShutdownCommand = "#CS#"

// Wire tokens. The Error() text of each is exactly what travels over the wire.
var (
	ErrInvalidPath     = errors.New("INVALID_PATH")
	ErrMissingMethod   = errors.New("MISSING_METHOD")
	ErrInvalidMethod   = errors.New("INVALID_METHOD")
	ErrInvalidService  = errors.New("INVALID_SERVICE")
	ErrRequestTimeout  = errors.New("REQUEST_TIMEOUT")
	ErrInvalidResponse = errors.New("INVALID_RESPONSE")
)

var tokens = map[string]error{
	ErrInvalidPath.Error():     ErrInvalidPath,
	ErrMissingMethod.Error():   ErrMissingMethod,
	ErrInvalidMethod.Error():   ErrInvalidMethod,
	ErrInvalidService.Error():  ErrInvalidService,
	ErrRequestTimeout.Error():  ErrRequestTimeout,
	ErrInvalidResponse.Error(): ErrInvalidResponse,
}

// RemoteError is a string reply that is not one of the wire tokens,
// typically the message of a failed handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ErrorFromText maps a string reply to an error. Known tokens come back as
// their sentinel so callers can use errors.Is.
func ErrorFromText(text string) error {
	if err, ok := tokens[text]; ok {
		return err
	}
	return &RemoteError{Message: text}
}

// EncodeReply turns a handler result into reply bytes.
func EncodeReply(v any) ([]byte, error) {
	switch r := v.(type) {
	case string:
		return []byte(r), nil
	case []byte:
		return r, nil
	case json.RawMessage:
		return r, nil
	case error:
		return []byte(r.Error()), nil
	default:
		return json.Marshal(v)
	}
}

// ClassifyReply decodes reply bytes the way the client interprets them:
//   - not JSON: the trimmed text is an error message (INVALID_RESPONSE if empty)
//   - a JSON string: an error carrying that string (INVALID_RESPONSE if empty)
//   - JSON null: INVALID_RESPONSE
//   - any other JSON value: success
func ClassifyReply(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrInvalidResponse
	}
	if !json.Valid(trimmed) {
		return nil, ErrorFromText(string(trimmed))
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, ErrInvalidResponse
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, ErrInvalidResponse
		}
		return nil, ErrorFromText(text)
	case 'n':
		return nil, ErrInvalidResponse
	}

	result := make(json.RawMessage, len(trimmed))
	copy(result, trimmed)
	return result, nil
}
