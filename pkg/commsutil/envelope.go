package commsutil

import (
	"encoding/json"
	"errors"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/failure"
)

// EnvelopeTypeInvoke marks a remote invocation request.
const EnvelopeTypeInvoke = "invoke"

// RequestEnvelope is the wire form of one remote invocation.
type RequestEnvelope struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	Contract       string              `json:"contract"`
	Implementation string              `json:"implementation"`
	Method         string              `json:"method,omitempty"`
	Args           json.RawMessage     `json:"args"`
	Ctx            callctx.CallContext `json:"ctx"`
	DeadlineMs     int64               `json:"deadlineMs,omitempty"`
}

// ResponseEnvelope is the wire form of an invocation outcome.
type ResponseEnvelope struct {
	ID     string          `json:"id"`
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail carries a failure across the wire. Business is set when the
// error came from the implementation itself rather than the broker.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
	Business  bool        `json:"business,omitempty"`
}

// NewSuccessResponse encodes result as a tagged value.
func NewSuccessResponse(id string, result any) (*ResponseEnvelope, error) {
	data, err := EncodeValue(result)
	if err != nil {
		return nil, err
	}
	return &ResponseEnvelope{ID: id, Ok: true, Result: data}, nil
}

// NewErrorResponse builds a failed response from err.
func NewErrorResponse(id string, err error) *ResponseEnvelope {
	return &ResponseEnvelope{ID: id, Ok: false, Error: ErrorDetailFrom(err)}
}

// ErrorDetailFrom maps an error onto its wire form.
func ErrorDetailFrom(err error) *ErrorDetail {
	var ferr *failure.Error
	if errors.As(err, &ferr) {
		return &ErrorDetail{
			Code:      string(ferr.Kind),
			Message:   ferr.Message,
			Retryable: ferr.Retryable(),
		}
	}
	var berr *failure.BusinessError
	if errors.As(err, &berr) {
		return &ErrorDetail{
			Code:     berr.Code,
			Message:  berr.Message,
			Details:  berr.Details,
			Business: true,
		}
	}
	// Plain errors keep only their text; Code stays empty so the rebuilt
	// BusinessError prints the same message the local call would.
	return &ErrorDetail{
		Message:  err.Error(),
		Business: true,
	}
}

// Err rebuilds the error described by d. Broker failures come back as
// *failure.Error targeted at contract and implementation; everything else
// comes back as *failure.BusinessError.
func (d *ErrorDetail) Err(contract, implementation string) error {
	if d == nil {
		return nil
	}
	kind := failure.Kind(d.Code)
	if !d.Business && kind.Valid() {
		return &failure.Error{
			Kind:           kind,
			Contract:       contract,
			Implementation: implementation,
			Message:        d.Message,
		}
	}
	return &failure.BusinessError{Code: d.Code, Message: d.Message, Details: d.Details}
}
