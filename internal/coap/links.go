package coap

import (
	"strings"
)

// parseLinks extracts the resource paths of a CoRE Link Format document
// (RFC 6690), e.g. `</temp>;rt="sensor",</led>` yields /temp and /led.
// Attribute values may contain quoted commas.
func parseLinks(body []byte) []string {
	var paths []string
	for _, entry := range splitQuoted(string(body), ',') {
		start := strings.IndexByte(entry, '<')
		end := strings.IndexByte(entry, '>')
		if start < 0 || end < start {
			continue
		}
		path := strings.TrimSpace(entry[start+1 : end])
		if path == "" {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// splitQuoted splits s on sep, ignoring separators inside double quotes.
func splitQuoted(s string, sep byte) []string {
	var parts []string
	start, quoted := 0, false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			quoted = !quoted
		case s[i] == sep && !quoted:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
