// Package scaling implements the resource-adjustment policy applied when a
// task instance fails on a resource limit. The policy is a pure function:
// given the failed request, the failure class, the task's rule and fallback
// queues, it produces the request for the next attempt or reports that no
// queue can hold it.
package scaling
