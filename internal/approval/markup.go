package approval

import (
	"regexp"
	"strings"
)

// <https://example.com|label> and <https://example.com>
var linkMarkup = regexp.MustCompile(`<([^|>]+)(?:\|[^>]+)?>`)

var entityReplacer = strings.NewReplacer("&gt;", ">", "&lt;", "<")

// CleanText turns chat-formatted text back into plain SMS text: links keep
// their target and the escaped angle brackets are restored.
func CleanText(s string) string {
	return entityReplacer.Replace(linkMarkup.ReplaceAllString(s, "$1"))
}
