package scaling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// FailureClass classifies a resource-related task-instance failure.
type FailureClass string

const (
	MemoryExceeded  FailureClass = "memory_exceeded"
	RuntimeExceeded FailureClass = "runtime_exceeded"
	Other           FailureClass = "other"
)

// DefaultScale is the multiplier applied to the exceeded dimension when the
// task carries no custom rule.
const DefaultScale = 1.5

// ErrNoFit is returned when the scaled request fits neither the current
// queue nor any remaining fallback queue. The task becomes fatal with
// reason "no_fit".
var ErrNoFit = errors.New("no_fit")

// NextResources computes the resource request for the next attempt. It is a
// pure function of its inputs: the same tuple always yields the same output,
// so a resumed workflow run reconstructs the exact same retry ladder.
//
// attemptIndex is the zero-based index of the attempt being planned (equal
// to the number of attempts already consumed). queues maps queue names to
// their limits; unknown queues impose no limits.
func NextResources(
	current types.ComputeResources,
	class FailureClass,
	rule types.ScalingRule,
	fallbackQueues []string,
	attemptIndex int,
	queues map[string]types.Queue,
) (types.ComputeResources, error) {
	next := current

	switch {
	case len(rule.Sequence) > 0:
		// Materialized attempt -> resources table, consumed positionally.
		// Past the end, the last entry repeats.
		i := attemptIndex - 1
		if i < 0 {
			i = 0
		}
		if i >= len(rule.Sequence) {
			i = len(rule.Sequence) - 1
		}
		next = rule.Sequence[i]
		if next.Queue == "" {
			next.Queue = current.Queue
		}
	case class == MemoryExceeded:
		next.MemoryGiB = current.MemoryGiB * multiplier(rule, "memory_gib")
	case class == RuntimeExceeded:
		next.RuntimeSeconds = int64(float64(current.RuntimeSeconds) * multiplier(rule, "runtime_seconds"))
	default:
		// Non-resource failures repeat the current request.
		return current, nil
	}

	// Keep the current queue while the request fits, otherwise walk the
	// fallback list in order.
	candidates := append([]string{next.Queue}, fallbackQueues...)
	for _, name := range candidates {
		if name == "" {
			continue
		}
		limits, known := queues[name]
		if !known || limits.Fits(next) {
			next.Queue = name
			return next, nil
		}
	}
	return types.ComputeResources{}, ErrNoFit
}

func multiplier(rule types.ScalingRule, dimension string) float64 {
	if m, ok := rule.Multipliers[dimension]; ok && m > 0 {
		return m
	}
	return DefaultScale
}

// ParseMemoryGiB parses a user memory string into GiB. Bare numbers are
// GiB. "G", "GiB", "M", "MiB", "T" and "TiB" suffixes are accepted, case
// insensitive; both "G" and "GiB" mean binary gibibytes.
func ParseMemoryGiB(s string) (float64, error) {
	in := strings.TrimSpace(strings.ToLower(s))
	if in == "" {
		return 0, fmt.Errorf("empty memory value")
	}

	factor := 1.0
	for _, suffix := range []struct {
		text  string
		scale float64
	}{
		{"tib", 1024}, {"tb", 1024}, {"t", 1024},
		{"gib", 1}, {"gb", 1}, {"g", 1},
		{"mib", 1.0 / 1024}, {"mb", 1.0 / 1024}, {"m", 1.0 / 1024},
	} {
		if strings.HasSuffix(in, suffix.text) {
			in = strings.TrimSuffix(in, suffix.text)
			factor = suffix.scale
			break
		}
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(in), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative memory value %q", s)
	}
	return value * factor, nil
}
