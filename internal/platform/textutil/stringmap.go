package textutil

import "strings"

// NormalizeStringMap returns a copy of the map with whitespace-trimmed keys
// and values. Entries whose trimmed key is empty are dropped; a map that ends
// up empty collapses to nil so callers can test for "no metadata" directly.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
