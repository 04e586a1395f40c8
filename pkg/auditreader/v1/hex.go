package v1

import (
	"encoding/hex"
	"strings"
)

// hexToString decodes a hex string to a regular string.
func hexToString(hexStr string) (string, error) {
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// isHexString checks if a string looks like hex-encoded data
func isHexString(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return len(s) > 4
}

// decodeValue returns the text of an untrusted string field. The kernel
// quotes plain values and hex encodes values with special characters.
func decodeValue(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	if v == "(null)" || v == "(none)" {
		return ""
	}
	if isHexString(v) {
		if decoded, err := hexToString(v); err == nil {
			return strings.TrimRight(decoded, "\x00")
		}
	}
	return v
}
