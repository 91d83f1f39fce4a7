// Package server provides the HTTP controller of the gateway.
//
// # Key Components
//
// Controller is the http.Handler in front of every processor. It:
//   - matches request paths against literal routes, then route templates
//     such as "download/{blobId}/{name}" in registration order
//   - applies the permissive CORS and Content-Security-Policy headers
//   - answers OPTIONS preflight requests itself
//   - turns a returned *ProcessorError into its status and a JSON body,
//     and any other error or panic into an empty 500
//   - emits process:before, process:after and process:error on the event bus
//
// Handlers write into a buffered Response, so process:after hooks can see
// and change what will be sent. Blob downloads bypass the buffer with
// Response.SetStream.
//
// HealthChecker and MetricsServer serve the Kubernetes probes and the
// Prometheus endpoint on their own listeners.
package server
