package v1

import "strings"

// rawFields splits the key=value pairs of an audit record body. Quoted
// values keep their quotes so that decodeValue can tell them from hex.
func rawFields(raw string) map[string]string {
	out := make(map[string]string)
	i := 0
	for i < len(raw) {
		for i < len(raw) && raw[i] == ' ' {
			i++
		}
		start := i
		for i < len(raw) && raw[i] != '=' && raw[i] != ' ' {
			i++
		}
		if i >= len(raw) || raw[i] == ' ' {
			continue
		}
		key := raw[start:i]
		i++ // '='
		valueStart := i
		if i < len(raw) && (raw[i] == '"' || raw[i] == '\'') {
			quote := raw[i]
			i++
			for i < len(raw) && raw[i] != quote {
				i++
			}
			if i < len(raw) {
				i++
			}
		} else {
			for i < len(raw) && raw[i] != ' ' {
				i++
			}
		}
		if key != "" {
			out[key] = raw[valueStart:i]
		}
	}
	return out
}

// unquote strips one level of single or double quotes.
func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// trimBody drops the "audit(<time>:<seq>): " prefix from a record body.
func trimBody(raw string) string {
	if idx := strings.Index(raw, "): "); idx >= 0 && strings.Contains(raw[:idx], "audit(") {
		return raw[idx+3:]
	}
	return raw
}
