package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"gforms-notifier/pkg/formwatch"
)

var fileLink = regexp.MustCompile(`^\[(.*)\]\((https?://[^)]+)\)$`)

// formatHTML renders a message as an HTML e-mail body. Page content is the
// packer's lightweight markup: "### " headings, "- " bullets and fenced literal blocks.
func formatHTML(msg formwatch.Message) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".page { margin-bottom: 30px; padding-bottom: 30px; border-bottom: 2px solid #673ab7; }\n")
	b.WriteString(".page:last-of-type { border-bottom: none; padding-bottom: 0; margin-bottom: 0; }\n")
	b.WriteString(".mentions { color: #7f8c8d; }\n")
	b.WriteString("pre { background: #f8f9fa; padding: 12px; border-radius: 6px; white-space: pre-wrap; }\n")
	b.WriteString(".footer { margin-top: 12px; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #673ab7; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("pre { background: #2a2a2a; }\n")
	b.WriteString(".footer { color: #a0a0a0; }\n")
	b.WriteString("a { color: #b39ddb; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	if line := strings.Join(msg.Mentions, ", "); line != "" {
		b.WriteString(fmt.Sprintf("<p class=\"mentions\">%s</p>\n", escapeHTML(line)))
	}

	for _, p := range msg.Pages {
		b.WriteString("<div class=\"page\">\n")
		if p.Title != "" {
			b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(p.Title)))
		}
		writeContent(&b, p.Content)
		if p.Footer != "" || !p.Timestamp.IsZero() {
			b.WriteString("<div class=\"footer\">")
			b.WriteString(escapeHTML(p.Footer))
			if !p.Timestamp.IsZero() {
				if p.Footer != "" {
					b.WriteString(" &bull; ")
				}
				b.WriteString(p.Timestamp.UTC().Format("Jan 2, 2006 at 3:04 PM") + " UTC")
			}
			b.WriteString("</div>\n")
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func writeContent(b *strings.Builder, content string) {
	inFence := false
	inList := false
	closeList := func() {
		if inList {
			b.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range strings.Split(content, "\n") {
		if line == "```" {
			if inFence {
				b.WriteString("</pre>\n")
			} else {
				closeList()
				b.WriteString("<pre>")
			}
			inFence = !inFence
			continue
		}
		if inFence {
			b.WriteString(escapeHTML(line))
			b.WriteString("\n")
			continue
		}

		trimmed := strings.TrimLeft(line, " ")
		switch {
		case strings.HasPrefix(line, "### "):
			closeList()
			b.WriteString(fmt.Sprintf("<h3>%s</h3>\n", escapeHTML(strings.TrimPrefix(line, "### "))))
		case strings.HasPrefix(trimmed, "- "):
			if !inList {
				b.WriteString("<ul>\n")
				inList = true
			}
			class := ""
			if trimmed != line {
				class = ` class="sub"`
			}
			b.WriteString(fmt.Sprintf("<li%s>%s</li>\n", class, inline(strings.TrimPrefix(trimmed, "- "))))
		case strings.TrimSpace(line) == "":
			closeList()
		default:
			closeList()
			b.WriteString(fmt.Sprintf("<p>%s</p>\n", inline(line)))
		}
	}
	if inFence {
		b.WriteString("</pre>\n")
	}
	closeList()
}

// inline renders a bullet's text, turning bare and named links into anchors.
func inline(s string) string {
	if m := fileLink.FindStringSubmatch(s); m != nil && isSafeURL(m[2]) {
		return fmt.Sprintf("<a href=\"%s\">%s</a>", escapeHTML(m[2]), escapeHTML(m[1]))
	}
	if (strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")) && !strings.ContainsAny(s, " \t") && isSafeURL(s) {
		return fmt.Sprintf("<a href=\"%s\">%s</a>", escapeHTML(s), escapeHTML(s))
	}
	return escapeHTML(s)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL only allows absolute http and https links.
func isSafeURL(u string) bool {
	u = strings.ToLower(strings.TrimSpace(u))
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}

// subject picks the e-mail subject from the first titled page.
func subject(msg formwatch.Message) string {
	for _, p := range msg.Pages {
		if p.Title != "" {
			return p.Title
		}
	}
	return "New form response"
}
