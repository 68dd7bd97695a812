package fingerprint

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Hash digests a canonical string with FNV-1a 64 and returns it as a fixed
// 16-character lowercase hex string. The function is frozen: identical input
// must map to the identical hash across releases, because hashes are the
// identity of persisted definitions.
func Hash(canonical string) string {
	h := fnv.New64a()
	h.Write([]byte(canonical))
	return fmt.Sprintf("%016x", h.Sum64())
}

// CanonicalizeArgs produces the canonical form of a name -> value argument
// set: names lower-cased and trimmed, values trimmed, pairs sorted by name,
// joined as "name=value" with semicolons.
func CanonicalizeArgs(args map[string]string) string {
	pairs := make([]string, 0, len(args))
	for name, value := range args {
		name = strings.ToLower(strings.TrimSpace(name))
		pairs = append(pairs, name+"="+strings.TrimSpace(value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ";")
}

// CanonicalizeNames produces the canonical form of an argument-name set:
// lower-cased, trimmed, deduplicated and sorted.
func CanonicalizeNames(names []string) string {
	seen := make(map[string]bool, len(names))
	canonical := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		canonical = append(canonical, name)
	}
	sort.Strings(canonical)
	return strings.Join(canonical, ",")
}

// ArgsHash fingerprints a name -> value argument set.
func ArgsHash(args map[string]string) string {
	return Hash(CanonicalizeArgs(args))
}

// TemplateVersionHash fingerprints a task template version by its command
// template and canonical arg-name set.
func TemplateVersionHash(commandTemplate string, argNames []string) string {
	return Hash(strings.TrimSpace(commandTemplate) + "|" + CanonicalizeNames(argNames))
}

// NodeHash fingerprints a node by its template version and canonical args.
func NodeHash(taskTemplateVersionID int64, nodeArgs map[string]string) string {
	return Hash(fmt.Sprintf("%d|%s", taskTemplateVersionID, CanonicalizeArgs(nodeArgs)))
}

// DagHash fingerprints a DAG over its edge set. Each edge is rendered as
// "node:[sorted upstreams]" and the edge list is sorted by node id, so the
// hash is independent of insertion order.
func DagHash(upstreamsByNode map[int64][]int64) string {
	lines := make([]string, 0, len(upstreamsByNode))
	for nodeID, upstreams := range upstreamsByNode {
		sorted := append([]int64(nil), upstreams...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		data, _ := json.Marshal(sorted)
		lines = append(lines, fmt.Sprintf("%d:%s", nodeID, data))
	}
	sort.Strings(lines)
	return Hash(strings.Join(lines, "\n"))
}

// WorkflowHash fingerprints a workflow by tool version, dag and its
// canonical workflow args. Re-binding the same triple yields the same
// workflow id.
func WorkflowHash(toolVersionID, dagID int64, workflowArgs map[string]string) string {
	return Hash(fmt.Sprintf("%d|%d|%s", toolVersionID, dagID, CanonicalizeArgs(workflowArgs)))
}

// ResourcesFingerprint fingerprints a resource request for batch grouping.
// Tasks with identical fingerprints may be submitted as one job array.
func ResourcesFingerprint(queue string, cores int, memoryGiB float64, runtimeSeconds int64) string {
	return Hash(fmt.Sprintf("%s|%d|%g|%d", strings.TrimSpace(queue), cores, memoryGiB, runtimeSeconds))
}
