package oauth

import "net/http"

// Credentials are the secrets a user presents at login.
type Credentials struct {
	Identifier string
	Secret     string
}

// RequestContext carries facts about the transport the credentials arrived on.
type RequestContext struct {
	RemoteAddr string
	UserAgent  string
}

// RequestContextFrom extracts the request context of an HTTP request. Forwarding headers are
// ignored: RemoteAddr is the address of the peer that opened the connection.
func RequestContextFrom(r *http.Request) RequestContext {
	return RequestContext{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}
