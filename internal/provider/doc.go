// Package provider defines the contracts between the gateway and its
// backends, the value types that cross that boundary and the Registry
// that orders them.
//
// A provider takes one or both roles:
//
//   - AuthProvider: advertises login methods and verifies one factor,
//     answering Success, Continue or Abort.
//   - CommandProvider: serves a set of JMAP methods and contributes
//     accounts for the services it backs.
//
// Registration order is significant. It is the order auth providers are
// tried in, the order command providers run in for a method, and the
// precedence order when account fields are merged.
package provider
