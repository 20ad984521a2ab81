package resthttp

import (
	"context"
)

// Token is an access token sent as Authorization header by requests issued
// with a context returned by Use.
type Token struct {
	AccessToken string `json:"access_token"`
	Type        string `json:"token_type"`
}

type tokenValue int

type withToken struct {
	context.Context
	token *Token
}

func (w *withToken) Value(v any) any {
	if _, ok := v.(tokenValue); ok {
		return w.token
	}

	return w.Context.Value(v)
}

// Use returns a context carrying t. Requests that already set an
// Authorization header keep their own.
func (t *Token) Use(ctx context.Context) context.Context {
	return &withToken{ctx, t}
}

func (t *Token) header() string {
	typ := t.Type
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}
