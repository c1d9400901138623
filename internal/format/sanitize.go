package format

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	lineBreakTags = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	stripPolicy   = bluemonday.StrictPolicy()
)

// SanitizeMessage turns WHMCS reply bodies, which may carry HTML from the
// admin editor, into plain text suitable for an embed description.
func SanitizeMessage(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	s = lineBreakTags.ReplaceAllString(s, "\n")
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
