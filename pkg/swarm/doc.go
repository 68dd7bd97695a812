// Package swarm is the run controller: one Controller per workflow run. It
// polls task statuses, rolls the DAG forward, admits queued tasks under the
// workflow, array and template concurrency caps, batches them by array and
// resource fingerprint for the distributor, and exits when the workflow
// roll-up is terminal, its timeout elapses, or its heartbeat lease is lost
// to a resume.
package swarm
