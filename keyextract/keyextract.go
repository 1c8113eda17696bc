// Package keyextract implements the pure key-extraction function that maps
// a raw database column value to the set of storage keys it names. It is
// deliberately side-effect-free so it can be fuzz-tested in isolation.
package keyextract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var urlPatterns = []*regexp.Regexp{
	// s3://bucket/key
	regexp.MustCompile(`^s3://[\w.-]+/(.+)$`),
	// https://bucket.s3.region.amazonaws.com/key
	regexp.MustCompile(`^https?://[\w.-]+\.s3\.[\w.-]+\.amazonaws\.com/(.+)$`),
	// https://s3.region.amazonaws.com/bucket/key
	regexp.MustCompile(`^https?://s3\.[\w.-]+\.amazonaws\.com/[\w.-]+/(.+)$`),
}

// Extract maps a single raw column value to the set of storage keys it
// names, applying, in order: (1) JSON-array recursion, (2) known S3 URL
// shapes, (3) a path-like plain-key fallback. Empty or whitespace-only
// values yield no keys.
func Extract(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			var keys []string

			for _, elem := range arr {
				keys = append(keys, Extract(elem)...)
			}

			return keys
		}

		var anyArr []any
		if err := json.Unmarshal([]byte(trimmed), &anyArr); err == nil {
			var keys []string

			for _, elem := range anyArr {
				s, ok := elem.(string)
				if !ok {
					continue
				}

				keys = append(keys, Extract(s)...)
			}

			return keys
		}
	}

	for _, pattern := range urlPatterns {
		if m := pattern.FindStringSubmatch(trimmed); m != nil {
			return []string{m[1]}
		}
	}

	if looksPathLike(trimmed) {
		return []string{trimmed}
	}

	return nil
}

func looksPathLike(value string) bool {
	if strings.HasPrefix(value, "http") || strings.HasPrefix(value, "//") {
		return false
	}

	return strings.Contains(value, "/") || strings.Contains(value, ".")
}
