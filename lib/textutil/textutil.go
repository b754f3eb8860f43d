package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

func NormalizeLabel(label string) string {
	label = strings.ToLower(label)
	label = strings.Trim(label, " \n\t")
	label = whitespaceRegex.ReplaceAllString(label, " ")
	return label
}

// AfterSeparator returns the portion of s after the last occurrence of
// sep, trimmed. returns s unchanged when sep is absent.
func AfterSeparator(s, sep string) string {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s
	}
	return strings.TrimSpace(s[idx+len(sep):])
}
