package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Envelope is the JSON body of the worker's HTTP endpoints
type Envelope struct {
	OK      bool        `json:"ok"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// WriteJSON encodes body as the response. An unencodable body yields a 500.
func WriteJSON(ctx *fasthttp.RequestCtx, statusCode int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"ok":false,"message":"failed to encode response"}`)
		return
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// WriteEnvelope answers 200 when ok, 503 otherwise
func WriteEnvelope(ctx *fasthttp.RequestCtx, ok bool, message string, data interface{}) {
	statusCode := fasthttp.StatusOK
	if !ok {
		statusCode = fasthttp.StatusServiceUnavailable
	}
	WriteJSON(ctx, statusCode, Envelope{OK: ok, Message: message, Data: data})
}
