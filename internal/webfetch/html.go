package webfetch

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skippedElements are stripped wholesale during text extraction.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"iframe":   true,
}

// blockElements get a newline after their text so paragraphs stay separated.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"li": true, "tr": true, "br": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// extractHTML walks the token stream collecting visible text, skipping
// boilerplate elements, and returns the document title plus the text.
func extractHTML(r io.Reader) (title, text string) {
	z := html.NewTokenizer(r)

	var sb strings.Builder
	var inTitle bool
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; either way return what we have.
			return title, collapseWhitespace(sb.String())

		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] {
				skipDepth++
				continue
			}
			if tag == "title" {
				inTitle = true
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] && skipDepth > 0 {
				skipDepth--
				continue
			}
			if tag == "title" {
				inTitle = false
			}
			if blockElements[tag] {
				sb.WriteByte('\n')
			}

		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blockElements[string(name)] {
				sb.WriteByte('\n')
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			t := string(z.Text())
			if inTitle {
				if title == "" {
					title = strings.TrimSpace(t)
				}
				continue
			}
			sb.WriteString(t)
		}
	}
}

// collapseWhitespace squeezes runs of blank space while keeping line breaks.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
