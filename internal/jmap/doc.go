// Package jmap implements the command dispatcher behind POST /jmap and
// the blob download route.
//
// A request is a JSON array of [method, arguments, callId] triples. Each
// command runs through the providers registered for its method, in
// registration order, and every result is tagged with the command's call
// id. Failures never abort the batch: they become "error" results in the
// position of the failing command.
package jmap
