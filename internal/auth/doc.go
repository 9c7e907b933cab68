// Package auth identifies API callers.
//
// When auth.jwt_secret is configured every /api/ request must carry
//
//	Authorization: Bearer <token>
//
// where the token is an HS256 JWT signed with that secret. The "sub" claim
// becomes the Caller attached to the request context:
//
//	caller := auth.FromContext(r.Context())
//
// Tokens are minted by the `parley-gateway token --caller ID` command or by
// JWTVerifier.Generate. There is no caller registry; any subject signed with
// the secret is accepted.
package auth
