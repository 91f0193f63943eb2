// Package auth provides JWT-based participant authentication for the HTTP API.
//
// Tokens are HS256-signed with the gateway secret and carry the participant
// ID in the "sub" claim. The HTTP middleware verifies the token, resolves the
// participant from the store, and attaches a verified Identity to the request
// context; handlers read it back with FromContext. No global session state
// exists anywhere - identity always travels with the request.
package auth
