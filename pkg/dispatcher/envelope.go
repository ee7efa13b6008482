package dispatcher

import (
	"encoding/json"

	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/failure"
)

// DecodeRequest parses an incoming request envelope. An empty type is read
// as an invocation.
func DecodeRequest(data []byte) (*commsutil.RequestEnvelope, error) {
	var req commsutil.RequestEnvelope
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, failure.Wrap(failure.TransportFailure, err, "malformed request envelope")
	}
	if req.Type == "" {
		req.Type = commsutil.EnvelopeTypeInvoke
	}
	if req.Type != commsutil.EnvelopeTypeInvoke {
		return &req, failure.New(failure.TransportFailure, "unsupported envelope type %q", req.Type).
			WithTarget(req.Contract, req.Implementation)
	}
	if req.Contract == "" || req.Implementation == "" {
		return &req, failure.New(failure.TransportFailure, "envelope names no contract or implementation")
	}
	return &req, nil
}

// EncodeResponse marshals resp. A response that cannot be encoded is replaced
// by a TransportFailure response carrying the same id.
func EncodeResponse(resp *commsutil.ResponseEnvelope) []byte {
	data, err := json.Marshal(resp)
	if err == nil {
		return data
	}
	fallback := commsutil.NewErrorResponse(resp.ID, failure.Wrap(failure.TransportFailure, err, "encode response"))
	data, _ = json.Marshal(fallback)
	return data
}
