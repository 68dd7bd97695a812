// Package coordinator implements the server side of the distributor
// protocol: queue a submission batch, record scheduler ids, and accept the
// worker wrapper's running, done, error and heartbeat reports. Every
// operation validates that the calling workflow run still holds the
// workflow's lease; a superseded caller receives ErrWorkflowRunNotCurrent
// and must stop.
package coordinator
