package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/howard-nolan/llmgateway/internal/channel"
)

// tokenKey is unexported so only this package can put a token in a context.
type tokenKey struct{}

// WithToken returns a copy of ctx carrying the caller's resolved access
// token. The auth middleware calls it before handing the request over.
func WithToken(ctx context.Context, tok *channel.AccessToken) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// TokenFrom returns the access token stored by WithToken, or nil.
func TokenFrom(ctx context.Context) *channel.AccessToken {
	tok, _ := ctx.Value(tokenKey{}).(*channel.AccessToken)
	return tok
}

// Codes of the synthetic errors the gateway produces itself. Everything
// else a client sees comes from an upstream verbatim.
const (
	CodeInvalidBody         = "invalid_body"
	CodeInvalidToken        = "invalid_token"
	CodeNoAvailableChannels = "no_available_channels"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInternal            = "internal_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes {"error":{"code":...,"message":...}} with the given
// status. The server package uses it too so every synthetic error has the
// same shape.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}
