// Package chatsdk is a client for the Parley chat service.
//
// It owns the full client-side token lifecycle: a persisted TokenStore, a
// Session coordinator with single-flight refresh, and an http.RoundTripper
// Gateway that attaches bearer tokens and transparently retries after a 401.
// On top of that it provides the streaming message consumer (MessageStream)
// and the attachment Hydrator that converts protected download URLs into
// locally-scoped blob URLs.
package chatsdk
