package auth

import "net/http"

// StaticAuthenticator is a development-only authenticator that accepts any mbk_ key.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(r *http.Request) (*ClientContext, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	// Accept any mbk_ prefixed key with a static client ID
	id := token
	if len(id) > 8 {
		id = id[:8]
	}
	return &ClientContext{
		ClientID: "static-" + id,
		Mode:     "control",
		FailOpen: true,
	}, nil
}
