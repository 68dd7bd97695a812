// Package api exposes jobmon's versioned JSON HTTP surface under /api/v3.
//
// Three caller populations share the surface: client libraries bind
// workflows and poll status, distributors report task-instance lifecycle
// events, and the GUI reads roll-ups. Every error leaves through a single
// handler that maps domain errors onto a stable {code, message, details}
// envelope; internal errors are logged under an opaque error id and never
// leak details to the caller.
package api
