// Package client is the Go HTTP client for the jobmon server. The CLI and
// external run controllers use it; distributors speak the task-instance
// endpoints directly.
package client
