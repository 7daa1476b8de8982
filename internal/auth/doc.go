// Package auth guards the fleet control endpoints.
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. The
// token's sub claim names the operator and is attached to the request
// context for logging; every token must carry the "fleet-control" audience.
//
// Tokens are minted with:
//
//	fleet-commander token --subject alice --ttl 24h
package auth
