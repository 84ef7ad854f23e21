package config

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseThreadConfigs reads a thread-count list separated by commas or spaces,
// such as "1,2,4" or "1 2 4". Values are kept as given; the server clamps
// anything below one.
func ParseThreadConfigs(raw string) ([]int, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	out := make([]int, 0, len(parts))
	for _, v := range parts {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("thread config %q: %w", v, err)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, ErrNoThreadConfigs
	}
	return out, nil
}

// FormatThreadConfigs is the inverse of ParseThreadConfigs.
func FormatThreadConfigs(configs []int) string {
	parts := make([]string, len(configs))
	for i, n := range configs {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
