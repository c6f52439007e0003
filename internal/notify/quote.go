package notify

import (
	"regexp"
	"strings"
)

// quoteStartRe finds where a mail client starts quoting the message being
// answered: an "On <date>, <sender> wrote:" attribution (possibly wrapped
// over two lines) or an Outlook style separator.
var quoteStartRe = regexp.MustCompile(`(?im)^[ \t]*(?:on\b[^\n]{0,200}(?:\n[^\n]{0,200})?\bwrote:[ \t]*$|-{2,}\s*original message\s*-{2,}|_{10,}[ \t]*$|from:[^\n]+\n[ \t]*sent:)`)

// StripQuotedReply returns only the text the sender wrote, dropping the
// quoted original message and ">" prefixed lines.
func StripQuotedReply(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if loc := quoteStartRe.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
