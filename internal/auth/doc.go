// Package auth decides which agents may connect and who a command is addressed to.
//
// # Token Authorities
//
// A raw connection token is checked by one of two authorities, chosen by config:
//
//   - HTTPAuthority: asks the control plane with
//     GET <auth.token_authority_url>/connection/token?token=<raw> and trusts
//     only a 200 response carrying {"isValid": true}.
//
//   - JWTAuthority: verifies an HS256 token signed with auth.jwt_secret. The
//     `dbrelay token` subcommand issues these.
//
// Positive answers are cached by the trust package; this package never caches.
//
// # Connection Identity
//
// The relay never keys anything by the raw token. IdentityDeriver expands
// auth.identity_secret with HKDF-SHA256 and computes
//
//	identity = hex(HMAC-SHA256(key, rawToken))
//
// so a token lifted from a log cannot be matched against registry keys and an
// identity cannot be forged without the server secret.
//
// # Command API
//
// BearerMiddleware reads "Authorization: Bearer <raw token>", authenticates it,
// and stores the identity in the request context (IdentityFromContext). A token
// the authority rejects is 403; an authority that cannot answer is 503.
package auth
