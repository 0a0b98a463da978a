// Package auth authenticates callers of the gateway HTTP API.
//
// # Authentication Methods
//
//   - API key: sent as the X-API-Key header (or as a bearer token). The
//     configured key may be plaintext (auth.api_key) or a bcrypt hash
//     (auth.api_key_hash) produced by `hive-gateway token hash`. An API key
//     grants access to every instance.
//
//   - JWT: HS256 tokens signed with auth.jwt_secret and issued by
//     `hive-gateway token issue`. The "tenants" claim lists the instance ids
//     the bearer may address; "*" grants all of them.
//
// # Tenant Scoping
//
// Handlers read the caller from the request context and check the addressed
// instance:
//
//	authCtx := auth.FromContext(r.Context())
//	if !authCtx.CanAccess(id) {
//		// 403
//	}
//
// With auth.disabled every request is treated as unrestricted.
package auth
