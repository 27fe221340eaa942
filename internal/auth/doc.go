// Package auth issues and verifies the HS256 bearer tokens that guard the
// bridge's HTTP API.
//
// Verification is stateless: a token is accepted when its signature,
// expiry and subject are valid. There is no user store; operators mint
// tokens with `broute -token <subject>`.
package auth
