package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// maxRangeSpan bounds how many indices a single range may expand to.
const maxRangeSpan = 65536

// IsRange reports whether s describes an interface index range such as "10-12".
func IsRange(s string) bool {
	return strings.Contains(s, "-")
}

// GetIndex parses a single interface index.
func GetIndex(s string) (uint32, error) {
	if IsRange(s) {
		return 0, fmt.Errorf("index is a range and not an individual index")
	}
	idx, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid interface index %v", err)
	}
	return uint32(idx), nil
}

// GetRange parses an inclusive interface index range.
func GetRange(s string) (uint32, uint32, error) {
	if !IsRange(s) {
		return 0, 0, fmt.Errorf("index is not a range")
	}
	is := strings.SplitN(s, "-", 2)
	if len(is) != 2 {
		return 0, 0, fmt.Errorf("invalid index range. Expected two integers separated by hyphen but found %q", s)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(is[0]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start index %s", err)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(is[1]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end index %s", err)
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid index range. Start index is greater than end index")
	}
	if start == end {
		return 0, 0, fmt.Errorf("invalid index range. Start and end index are equal. Remove the hyphen and enter a single index")
	}
	if end-start >= maxRangeSpan {
		return 0, 0, fmt.Errorf("invalid index range. %q spans more than %d indices", s, maxRangeSpan)
	}
	return uint32(start), uint32(end), nil
}

// ExpandIndices turns a list of indices and ranges into the individual indices, in input order.
func ExpandIndices(specs []string) ([]uint32, error) {
	var out []uint32
	for _, s := range specs {
		if !IsRange(s) {
			idx, err := GetIndex(s)
			if err != nil {
				return nil, err
			}
			out = append(out, idx)
			continue
		}
		start, end, err := GetRange(s)
		if err != nil {
			return nil, err
		}
		for i := uint64(start); i <= uint64(end); i++ {
			out = append(out, uint32(i))
		}
	}
	return out, nil
}
