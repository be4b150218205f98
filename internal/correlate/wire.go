package correlate

import (
	"bytes"
	"encoding/json"
)

// MethodPing is the reserved method for health probes.
const MethodPing = "ping"

// Response types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypePong   = "pong"
)

// Request is the outbound wire frame. The transport carries it as opaque
// bytes; only the two ends of the link interpret it.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the inbound wire frame matched back to a Request by id.
type Response struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// ErrorMsg is the payload of a Response with Type "error".
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseResponse attempts to parse raw bytes as a correlated response frame.
// Frames without an id or with an unrecognized type are not responses.
func ParseResponse(data []byte) (Response, bool) {
	// Quick check before paying for a full unmarshal
	if !bytes.Contains(data, []byte(`"id":`)) {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}

	switch resp.Type {
	case TypeResult, TypeError, TypePong:
		return resp, resp.ID != ""
	}

	return Response{}, false
}
