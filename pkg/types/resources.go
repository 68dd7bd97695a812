package types

import (
	"encoding/json"
)

// ComputeResources is the resource request for one task attempt.
type ComputeResources struct {
	Queue          string  `json:"queue" yaml:"queue"`
	Cores          int     `json:"cores" yaml:"cores"`
	MemoryGiB      float64 `json:"memory_gib" yaml:"memory_gib"`
	RuntimeSeconds int64   `json:"runtime_seconds" yaml:"runtime_seconds"`
}

// ScalingRule describes how resources grow between attempts. Exactly one of
// Multipliers or Sequence is set; an empty rule means the default 1.5x
// scaling of the exceeded dimension.
type ScalingRule struct {
	// Multipliers maps a dimension ("memory_gib", "runtime_seconds") to a
	// scalar applied on each resource-classified failure.
	Multipliers map[string]float64 `json:"multipliers,omitempty"`
	// Sequence is a materialized attempt -> resources table, consumed
	// positionally. Custom client callables are evaluated before submission
	// and arrive here already materialized.
	Sequence []ComputeResources `json:"sequence,omitempty"`
}

// Queue describes one scheduler queue and its hard limits.
type Queue struct {
	Name              string  `json:"name" yaml:"name"`
	MaxCores          int     `json:"max_cores" yaml:"max_cores"`
	MaxMemoryGiB      float64 `json:"max_memory_gib" yaml:"max_memory_gib"`
	MaxRuntimeSeconds int64   `json:"max_runtime_seconds" yaml:"max_runtime_seconds"`
}

// Fits reports whether the request is within the queue's limits.
func (q Queue) Fits(r ComputeResources) bool {
	if q.MaxCores > 0 && r.Cores > q.MaxCores {
		return false
	}
	if q.MaxMemoryGiB > 0 && r.MemoryGiB > q.MaxMemoryGiB {
		return false
	}
	if q.MaxRuntimeSeconds > 0 && r.RuntimeSeconds > q.MaxRuntimeSeconds {
		return false
	}
	return true
}

// ComputeResources decodes the task's stored resource request.
func (t *Task) ComputeResources() (ComputeResources, error) {
	var r ComputeResources
	if t.Resources == "" {
		return r, nil
	}
	err := json.Unmarshal([]byte(t.Resources), &r)
	return r, err
}

// SetComputeResources encodes and stores the resource request.
func (t *Task) SetComputeResources(r ComputeResources) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	t.Resources = string(data)
	return nil
}

// ScalingRule decodes the task's optional resource-scaling rule.
func (t *Task) ScalingRule() (ScalingRule, error) {
	var rule ScalingRule
	if t.ResourceScales == "" {
		return rule, nil
	}
	err := json.Unmarshal([]byte(t.ResourceScales), &rule)
	return rule, err
}

// FallbackQueueNames decodes the task's fallback queue list.
func (t *Task) FallbackQueueNames() ([]string, error) {
	if t.FallbackQueues == "" {
		return nil, nil
	}
	var names []string
	err := json.Unmarshal([]byte(t.FallbackQueues), &names)
	return names, err
}
