package notify

import "strings"

// GlobMatch matches a stream path against a glob pattern.
// Supports: * (one segment), ** (zero or more segments), literal, %2A decoding.
func GlobMatch(pattern, path string) bool {
	patternParts := splitPath(pattern)
	pathParts := splitPath(path)
	return matchParts(patternParts, 0, pathParts, 0)
}

func splitPath(p string) []string {
	p = strings.TrimLeft(p, "/")
	p = strings.TrimRight(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func decodeWildcard(seg string) string {
	seg = strings.ReplaceAll(seg, "%2A", "*")
	seg = strings.ReplaceAll(seg, "%2a", "*")
	return seg
}

func matchParts(pattern []string, pi int, path []string, si int) bool {
	for pi < len(pattern) && si < len(path) {
		// A client building a subscription pattern from a URL path may have
		// its "*"/"**" percent-encoded by an HTTP library; decode before
		// classifying the segment so that still counts as a wildcard.
		seg := decodeWildcard(pattern[pi])

		if seg == "**" {
			for i := si; i <= len(path); i++ {
				if matchParts(pattern, pi+1, path, i) {
					return true
				}
			}
			return false
		}

		if seg == "*" {
			pi++
			si++
			continue
		}

		if seg != path[si] {
			return false
		}
		pi++
		si++
	}

	// Handle trailing ** which matches zero segments
	for pi < len(pattern) && decodeWildcard(pattern[pi]) == "**" {
		pi++
	}

	return pi == len(pattern) && si == len(path)
}
