package event

import (
	"fmt"
	"strconv"
)

// ParseHexArg converts a hex syscall argument to an integer. The value is
// read as 64 bits, so lengths and addresses of up to 8 digits stay positive.
// Anything over 16 digits keeps only the low 64 bits, reported by truncated.
func ParseHexArg(hexValue string) (value int64, truncated bool, err error) {
	if hexValue == "" {
		return 0, false, fmt.Errorf("empty argument")
	}
	digits := hexValue
	if len(digits) > 16 {
		truncated = true
		digits = digits[len(digits)-16:]
	}
	u, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, false, fmt.Errorf("non-numerical argument %q: %w", hexValue, err)
	}
	return int64(u), truncated, nil
}

// ParseIntArg converts a hex argument of C type int, such as a descriptor or
// a pid. Values of at most 8 digits are sign-extended from 32 bits so that
// ffffff9c (AT_FDCWD) reads as -100.
func ParseIntArg(hexValue string) (int64, error) {
	v, _, err := ParseHexArg(hexValue)
	if err != nil {
		return 0, err
	}
	if len(hexValue) <= 8 {
		return int64(int32(uint32(v))), nil
	}
	return v, nil
}

// FormatHex renders an integer the way memory artifacts carry it.
func FormatHex(v int64) string {
	if v < 0 {
		return "-" + strconv.FormatUint(uint64(-v), 16)
	}
	return strconv.FormatInt(v, 16)
}
