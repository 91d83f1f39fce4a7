// Package session implements the continuation session store.
//
// A session is created when a client starts a login and is addressed by
// an opaque token: first handed out as the loginId, later as the access
// token. The Manager binds a request to a session, the Session handle
// buffers changes, and a Store backend persists them. Three backends are
// provided: MemoryStore for single-instance deployments and tests,
// ValkeyStore and RedisStore for shared state across replicas.
//
// Promotion to the authenticated state regenerates the token and writes
// the identity, accounts and timestamp in one Save, so a failed write
// leaves the old session untouched.
package session
