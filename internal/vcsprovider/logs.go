package vcsprovider

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// MaxLogExcerptChars bounds how much CI log text ends up in a remediation
// prompt. The tail is kept: failing steps report last.
const MaxLogExcerptChars = 12000

// NormalizeLogs turns a CI log payload into plain text. Hosts that serve
// logs as rendered HTML pages get their markup stripped; the main log
// container (<pre>/<code>) is preferred over the full page chrome, and
// whatever markup remains is converted through html-to-markdown.
func NormalizeLogs(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "<") {
		return raw
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	if pre := doc.Find("pre, code").First(); pre.Length() > 0 {
		return pre.Text()
	}

	converter := htmltomarkdown.NewConverter("", true, nil)
	md, err := converter.ConvertString(raw)
	if err != nil {
		return doc.Text()
	}
	return md
}

// TailExcerpt returns at most n characters from the end of logs, starting
// at a line boundary.
func TailExcerpt(logs string, n int) string {
	if len(logs) <= n {
		return logs
	}
	tail := logs[len(logs)-n:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}
