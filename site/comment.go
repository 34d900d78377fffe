package site

import (
	"io"
	"strings"

	"golang.org/x/net/html"

	"chansync/internal"
)

// ParseComment turns a raw HTML post comment into plain text. Line breaks become newlines,
// markup is dropped and entities are decoded.
func ParseComment(raw string) string {
	if raw == "" {
		return ""
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				internal.LogDebug("Comment markup truncated: %v", err)
			}
			return strings.TrimRight(b.String(), "\n")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br":
				b.WriteByte('\n')
			case "p":
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
			}
		}
	}
}
