package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatAppData encodes named integer attributes as "name=value\n" lines in
// the order of names. A name whose value is absent is written with an empty
// value so the slot layout survives a round trip.
func FormatAppData(names []string, values map[string]int) string {
	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		if v, ok := values[name]; ok {
			sb.WriteString(strconv.Itoa(v))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseAppData decodes "name=value\n" lines. Lines with an empty name are
// skipped; names with an empty value are omitted from the result.
func ParseAppData(appData string) (map[string]int, error) {
	values := make(map[string]int)
	for _, line := range strings.Split(appData, "\n") {
		key, val, _ := strings.Cut(line, "=")
		if key == "" {
			continue
		}
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("parsing app data attribute %q: %w", key, err)
		}
		values[key] = n
	}
	return values, nil
}

// MatchesFilter reports whether every filter entry is present in appData
// with an equal value.
func MatchesFilter(appData string, filter map[string]int) bool {
	if len(filter) == 0 {
		return true
	}
	values, err := ParseAppData(appData)
	if err != nil {
		return false
	}
	for k, want := range filter {
		if got, ok := values[k]; !ok || got != want {
			return false
		}
	}
	return true
}
