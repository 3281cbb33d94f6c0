package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IntAfterMarker digs a numeric field out of an inline script config
// block. Itch pages prerender most HTML but initialize interactive
// widgets with `I.SomeWidget({"id": 123, ...})` near the end of the
// page, so the scan walks lines in reverse and the last marker wins.
// Returns false when the marker is absent or the field is ambiguous.
func IntAfterMarker(text, marker, key string) (int64, bool) {
	var markerLine string
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if idx := strings.Index(lines[i], marker); idx != -1 {
			markerLine = lines[i][idx:]
			break
		}
	}
	if markerLine == "" {
		return 0, false
	}
	pattern := regexp.MustCompile(fmt.Sprintf(`"%s":\s?(\d+)`, regexp.QuoteMeta(key)))
	matches := pattern.FindAllStringSubmatch(markerLine, -1)
	if len(matches) != 1 {
		return 0, false
	}
	value, err := strconv.ParseInt(matches[0][1], 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// MatchGlob does shell-style wildcard matching where * and ? match any
// characters including path separators, the way users expect a URL or
// file-name filter to behave.
func MatchGlob(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	matched, err := regexp.MatchString(`^`+quoted+`$`, name)
	return err == nil && matched
}

// CompileFullMatch compiles a pattern so it only matches whole names.
func CompileFullMatch(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
