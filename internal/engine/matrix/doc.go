// Package matrix implements the protocol engine on top of the Matrix
// client-server API using mautrix.
//
// Each tenant gets its own mautrix client. Credentials (homeserver, user id,
// device id, access token) live in creds.json inside the tenant directory.
// Without them a session starts an SSO pairing: the pairing artifact is the
// homeserver's SSO redirect URL, and the login token handed back to the
// gateway's callback is exchanged through CompletePairing.
//
// Sync failures are classified into engine close reasons: a revoked token is
// a logout, a soft logout or deactivated account is a bad session, a token
// for another device means the session was replaced, and network or server
// errors are transient.
//
// With encryption enabled every tenant gets a crypto store (crypto.db) keyed
// by an HKDF derivation of the configured pickle secret and the instance id.
package matrix
