// Package resultutil decodes the opaque JSON result_data blob a Task
// record carries back into a typed map, a small shared helper for the
// example workflows under internal/workflows — the core itself never
// looks inside this blob (spec §1: "the core does not interpret handler
// outputs other than a success flag and an opaque result payload").
package resultutil

import "encoding/json"

// Unmarshal decodes raw (a datatypes.JSON / []byte-backed value) into out.
// A nil/empty raw decodes to a nil map rather than an error, since a
// failed task may carry no result_data at all.
func Unmarshal(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
