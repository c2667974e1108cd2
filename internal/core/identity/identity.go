// Package identity computes the deterministic job and task IDs that make
// submission and task dispatch safely replayable (invariant I-I1). The
// teacher constructs job identifiers with uuid.New(); CoreMachine cannot
// do that because two submissions with identical parameters must resolve
// to the same job, so this package follows spec §4.1's own algorithm
// directly rather than a corpus pattern.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ComputeJobID returns the 256-bit hex job ID for (jobType, parameters):
// parameters whose keys begin with "_" are filtered out, the remainder is
// serialized to canonical JSON (keys sorted, no insignificant
// whitespace), and "{jobType}:{canonical_json}" is hashed with SHA-256.
func ComputeJobID(jobType string, parameters map[string]interface{}) string {
	canonical := canonicalJSON(filterReserved(parameters))
	sum := sha256.Sum256([]byte(jobType + ":" + canonical))
	return hex.EncodeToString(sum[:])
}

// ComputeTaskID returns the 256-bit hex task ID for
// (jobID, stageNumber, discriminator), where discriminator is a
// workflow-chosen stable string (e.g. "chunk_7", "finalize").
func ComputeTaskID(jobID string, stageNumber int, discriminator string) string {
	input := fmt.Sprintf("%s:stage%d:%s", jobID, stageNumber, discriminator)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// AdvisoryLockKey derives the 64-bit key passed to pg_advisory_xact_lock
// for the (jobID, stageNumber) critical section: the configured 32-bit
// namespace in the high bits, and a 32-bit truncation of
// sha256(jobID:stageNumber) in the low bits, so stages across different
// jobs essentially never collide while staying within Postgres's
// bigint advisory-lock key space.
func AdvisoryLockKey(namespace int64, jobID string, stageNumber int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", jobID, stageNumber)))
	low := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return (namespace << 32) | int64(low)
}

func filterReserved(parameters map[string]interface{}) map[string]interface{} {
	if parameters == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(parameters))
	for k, v := range parameters {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// canonicalJSON serializes v with map keys sorted lexicographically and
// no insignificant whitespace. encoding/json already sorts map[string]*
// keys and omits whitespace by default, but nested maps of type
// map[string]interface{} are the only shape the core accepts as
// "parameters", so this is sufficient without a dedicated JSON-canon
// library — any deeper structural canonicalization (e.g. arbitrary
// struct field ordering) is out of scope because parameters always
// arrive as decoded JSON objects, never structs.
func canonicalJSON(v map[string]interface{}) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		b.Write(keyBytes)
		b.WriteByte(':')
		b.WriteString(canonicalValue(v[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func canonicalValue(v interface{}) string {
	switch t := v.(type) {
	case map[string]interface{}:
		return canonicalJSON(t)
	case []interface{}:
		var b strings.Builder
		b.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalValue(elem))
		}
		b.WriteByte(']')
		return b.String()
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}
