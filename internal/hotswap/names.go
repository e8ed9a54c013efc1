package hotswap

import "strings"

// NormalizeName turns "com/acme/Foo" into "com.acme.Foo".
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "/", ".")
}

func normalizePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	seen := make(map[string]struct{}, len(prefixes))
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(NormalizeName(prefix), ".")
		if prefix == "" {
			continue
		}
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		out = append(out, prefix)
	}
	return out
}

// hasPrefix matches whole name segments: "com.acme" covers "com.acme" and
// "com.acme.Foo" but not "com.acmeish.Foo".
func hasPrefix(name, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	if len(name) == len(prefix) {
		return true
	}
	next := name[len(prefix)]
	return next == '.' || next == '$'
}
