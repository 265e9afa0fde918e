// ABOUTME: Text transforms applied to bot output: placeholders, tag stripping, markdown.
// ABOUTME: Pure functions shared by the interpreter, model router and archive writer.

package render

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

var (
	placeholderPattern = regexp.MustCompile(`\{:([^:{}]*):\}`)
	tagPattern         = regexp.MustCompile(`<[^<>]*>`)
	spacePattern       = regexp.MustCompile(`[ \t]+`)
)

// Placeholders replaces every {:name:} with vars[name]. Unknown names render empty.
func Placeholders(msg string, vars map[string]string) string {
	if !strings.Contains(msg, "{:") {
		return msg
	}
	return placeholderPattern.ReplaceAllStringFunc(msg, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return vars[strings.TrimSpace(name)]
	})
}

// StripTags removes HTML-like tags and unescapes entities.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	out := tagPattern.ReplaceAllString(s, " ")
	out = html.UnescapeString(out)
	out = spacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// Markdown converts markdown to HTML. On conversion failure the source is returned.
func Markdown(src string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return src
	}
	return strings.TrimSpace(buf.String())
}
