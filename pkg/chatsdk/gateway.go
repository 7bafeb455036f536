package chatsdk

import (
	"io"
	"net/http"
)

// Request header flags understood by the Gateway. Both are stripped before
// the request leaves the process.
const (
	// HeaderSkipAuth marks public endpoints: no bearer is attached and 401s
	// are passed through untouched.
	HeaderSkipAuth = "X-Skip-Auth"
	// HeaderSkipRefresh marks auth-flow endpoints: a bearer is attached but
	// a 401 never triggers a refresh, preventing recursion.
	HeaderSkipRefresh = "X-Skip-Refresh"
)

// Gateway is an http.RoundTripper that attaches bearer tokens and recovers
// from token expiry. On a 401 it refreshes through the Session (single
// flight, so every concurrent 401 shares one refresh call) and reissues the
// request once with the new token. A request is never retried more than
// once; the retry happens inline rather than by re-entering RoundTrip.
type Gateway struct {
	Base    http.RoundTripper
	Session *Session
}

func (g *Gateway) base() http.RoundTripper {
	if g.Base != nil {
		return g.Base
	}
	return http.DefaultTransport
}

func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	skipAuth := req.Header.Get(HeaderSkipAuth) != ""
	skipRefresh := req.Header.Get(HeaderSkipRefresh) != ""

	// RoundTrippers must not mutate the caller's request.
	out := req.Clone(req.Context())
	out.Header.Del(HeaderSkipAuth)
	out.Header.Del(HeaderSkipRefresh)

	if !skipAuth {
		token, err := g.Session.EnsureValidAccessToken(req.Context())
		if err != nil {
			// A transient refresh error should not block the request; send
			// whatever token is cached and let the 401 path sort it out.
			token = g.Session.Tokens().AccessToken()
		}
		if token != "" {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.base().RoundTrip(out)
	if err != nil || skipAuth || skipRefresh {
		return resp, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	if !g.Session.Tokens().RefreshValid() {
		g.Session.ForceLogout()
		return resp, nil
	}

	token, rerr := g.Session.RefreshTokens(req.Context())
	if rerr != nil {
		// Refresh failed; every waiter gets the same outcome and the
		// original 401 propagates to the caller.
		return resp, nil
	}

	retry := req.Clone(req.Context())
	retry.Header.Del(HeaderSkipAuth)
	retry.Header.Del(HeaderSkipRefresh)
	retry.Header.Set("Authorization", "Bearer "+token)
	if req.Body != nil {
		if req.GetBody == nil {
			// The body was consumed by the first attempt and cannot be
			// replayed.
			return resp, nil
		}
		body, berr := req.GetBody()
		if berr != nil {
			return resp, nil
		}
		retry.Body = body
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return g.base().RoundTrip(retry)
}
