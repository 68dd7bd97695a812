// Package events provides an in-process broker for workflow, run, task and
// task-instance status events. The transition service publishes; swarm
// controllers subscribe. Delivery is best-effort and never load-bearing:
// every consumer also polls the store.
package events
