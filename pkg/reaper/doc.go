// Package reaper provides the liveness sweeper: a deployment-wide
// singleton that times out workflow runs and task instances whose
// heartbeats lapsed, drives them to terminal states through the transition
// service, and rolls up workflows left behind with no live run.
package reaper
