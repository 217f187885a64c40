package relay

import (
	"encoding/json"
	"fmt"
)

// Variables maps GraphQL variable names to their values.
type Variables map[string]any

// Clone returns a shallow copy of v. The copy of a nil map is an empty map.
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge returns a copy of v overlaid with every given set, later sets winning.
func (v Variables) Merge(others ...Variables) Variables {
	out := v.Clone()
	for _, o := range others {
		for k, val := range o {
			out[k] = val
		}
	}
	return out
}

// Canonical returns a stable textual form of v suitable for identity keys.
// Map keys are sorted at every depth.
func (v Variables) Canonical() string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(map[string]any(v))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(v))
	}
	return string(b)
}
