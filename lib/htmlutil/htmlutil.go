package htmlutil

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText collapses the whitespace sprawl typical of server-rendered
// markup into a single-line, trimmed string.
func CleanText(s string) string {
	s = removeNonPrintable(s)
	s = strings.Trim(s, " \t\n")
	return innerWhitespace.ReplaceAllString(s, " ")
}

// Text returns the cleaned text content of a selection.
func Text(sel *goquery.Selection) string {
	return CleanText(sel.Text())
}

// HiddenInputs collects the name/value pairs of all hidden <input>
// elements under the given form selection. sites thread anti-forgery
// and flow-state tokens through these, so they must be echoed back
// verbatim on the next submission.
func HiddenInputs(form *goquery.Selection) map[string]string {
	fields := map[string]string{}
	form.Find("input[type=hidden]").Each(func(_ int, input *goquery.Selection) {
		name := input.AttrOr("name", "")
		if name == "" {
			return
		}
		fields[name] = input.AttrOr("value", "")
	})
	return fields
}
