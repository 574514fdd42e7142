// Package envelope defines the response wrapper shared by every backend
// endpoint in the system: router, portfolio core, market data, and FX.
package envelope

import "encoding/json"

// ErrorCode enumerates the error kinds a backend may surface.
type ErrorCode string

// Error kinds per the cross-service contract.
const (
	CodeBadInput     ErrorCode = "BAD_INPUT"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInsufficient ErrorCode = "INSUFFICIENT"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeUpstream     ErrorCode = "UPSTREAM_ERROR"
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInternal     ErrorCode = "INTERNAL"
)

// ErrorBody is the error half of an Envelope.
type ErrorBody struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Retriable bool           `json:"retriable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ErrorBody) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

// Envelope is the `{ok, data?, error?, partial?}` wrapper every non-health
// endpoint returns.
type Envelope struct {
	OK      bool           `json:"ok"`
	Data    any            `json:"data,omitempty"`
	Partial bool           `json:"partial,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

// OK builds a successful envelope.
func OK(data any) Envelope {
	return Envelope{OK: true, Data: data}
}

// PartialOK builds a successful-but-degraded envelope: some data present,
// an error body describing what's missing attached alongside it.
func PartialOK(data any, errBody ErrorBody) Envelope {
	return Envelope{OK: true, Data: data, Partial: true, Error: &errBody}
}

// Fail builds a failed envelope.
func Fail(code ErrorCode, message string, source string, retriable bool, details map[string]any) Envelope {
	return Envelope{OK: false, Error: &ErrorBody{
		Code: code, Message: message, Source: source, Retriable: retriable, Details: details,
	}}
}

// FailErr wraps an arbitrary Go error as an UPSTREAM_ERROR, the default
// classification for transport exceptions per the dispatcher contract.
func FailErr(source string, err error) Envelope {
	return Fail(CodeUpstream, err.Error(), source, true, nil)
}

// HTTPStatus maps an ErrorCode to the HTTP status code a server should use
// when the envelope is not ok.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeBadInput:
		return 400
	case CodeNotFound:
		return 404
	case CodeInsufficient:
		return 422
	case CodeConflict:
		return 409
	case CodeUpstream:
		return 502
	case CodeRateLimit:
		return 429
	case CodeTimeout:
		return 504
	case CodeInternal:
		return 500
	default:
		return 500
	}
}

// DecodeData re-marshals the Data field into out. Useful when an Envelope
// was itself decoded from JSON and Data is a map[string]any.
func (e Envelope) DecodeData(out any) error {
	b, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
