// Package fingerprint canonicalizes identity-bearing fields and hashes them
// with a fixed non-cryptographic digest (FNV-1a 64). Hash-keyed entities
// (task template versions, nodes, dags, workflows) are deduplicated on these
// fingerprints, so canonicalization and digest are stable across releases.
package fingerprint
