// Package auth implements the JMAP login exchange.
//
// A login is a conversation identified by a loginId, the token of a
// continuation session:
//
//	POST /auth {"username":"jane"}
//	  -> 200 {"methods":[{"type":"password"}],"loginId":"T1"}
//	POST /auth {"loginId":"T1","type":"password","value":"secret"}
//	  -> 201 {"accessToken":"T2","apiUrl":...,"accounts":{...}}
//
// Every continuation walks a per-attempt copy of the auth provider chain.
// Hooks on jmap:auth:continue may prepend providers to that copy, and
// hooks on jmap:auth:success may turn a success into a further challenge.
// This is how second factors are layered on top of a primary provider.
//
// The access token is the session token after promotion. GET /auth and
// GET /.well-known/jmap replay the success payload for it, and the
// command dispatcher uses Authorize to resolve it.
package auth
