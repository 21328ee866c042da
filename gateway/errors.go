package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-client-go/mcpclient"
	"github.com/ggoodman/mcp-client-go/toolschema"
)

type errorBody struct {
	Code     int      `json:"code"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
	Data     any      `json:"data,omitempty"`
}

// writeJSONError emits {"error":{"code":<code>,"message":"<reason>"}}. code
// is the HTTP status unless the worker supplied a JSON-RPC error code.
func writeJSONError(w http.ResponseWriter, status int, body errorBody) {
	if body.Code == 0 {
		body.Code = status
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps a call failure onto an HTTP status and error body.
func classify(err error) (int, errorBody) {
	var (
		tie *mcpclient.ToolInvocationError
		te  *mcpclient.TimeoutError
		se  *mcpclient.StateError
		pe  *mcpclient.ProtocolError
		pse *mcpclient.ProcessStartError
		ve  *toolschema.ValidationError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Message: ve.Error(), Problems: ve.Problems}
	case errors.As(err, &tie):
		return http.StatusBadGateway, errorBody{Code: tie.Code, Message: tie.Message, Data: tie.Data}
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{Message: err.Error()}
	case errors.As(err, &pse):
		return http.StatusBadGateway, errorBody{Message: err.Error()}
	case errors.As(err, &se), errors.As(err, &pe), errors.Is(err, mcpclient.ErrConnectionClosed):
		return http.StatusServiceUnavailable, errorBody{Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorBody{Message: "request canceled"}
	}
	return http.StatusInternalServerError, errorBody{Message: err.Error()}
}
