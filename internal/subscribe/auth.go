package subscribe

import "net/http"

// Scopes gate protocol operations. Admin grants everything.
const (
	ScopeAdmin     = "admin"
	ScopeSubscribe = "subscribe"
	ScopeRead      = "read"
)

// AuthContext carries a client's credentials into the handlers.
type AuthContext struct {
	Token    string   `json:"token,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// HasScope reports whether the context carries the scope, with admin
// granting all.
func (a AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// TokenResolver maps a bearer token to its auth context. Unknown tokens
// return a zero context.
type TokenResolver func(token string) AuthContext

// Authorizer checks scopes for the subscription transports. A nil
// resolver with Open set admits everyone.
type Authorizer struct {
	Resolver TokenResolver
	// Open disables auth entirely (local single-user deployments).
	Open bool
}

// Allow reports whether the context may perform the scoped operation.
func (a *Authorizer) Allow(ctx AuthContext, scope string) bool {
	if a == nil || a.Open {
		return true
	}
	if a.Resolver != nil && ctx.Token != "" && len(ctx.Scopes) == 0 {
		ctx = a.Resolver(ctx.Token)
	}
	return ctx.HasScope(scope)
}

// AuthFromRequest extracts the bearer token and client id from an HTTP
// request.
func AuthFromRequest(r *http.Request) AuthContext {
	ctx := AuthContext{ClientID: r.Header.Get("X-Client-Id")}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		ctx.Token = auth[7:]
	} else if tok := r.URL.Query().Get("token"); tok != "" {
		ctx.Token = tok
	}
	return ctx
}
