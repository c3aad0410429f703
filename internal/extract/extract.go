// Package extract implements the multi-strategy comment-text and
// file-key extraction used by the design-email adapter (spec §4.5).
//
// Incoming emails from the design platform wrap the actual comment in
// varying markup depending on the platform's template of the day; no
// single CSS selector reliably finds the comment across all of them.
// CommentText therefore tries a fixed, ordered list of
// strategies and returns the first one that produces a non-empty,
// non-boilerplate result — mirroring the cascading HTML-to-markdown
// extraction approach of the web ingester this package is modeled on
// (extractMainContent's title → readability-selector → fallback chain).
package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// sanitizer strips every HTML tag (bluemonday's strict policy) before a
// fragment is treated as plain text content.
var sanitizer = bluemonday.StrictPolicy()

var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^unsubscribe`),
	regexp.MustCompile(`(?i)view (this|the) (comment|design) (online|in .*)`),
	regexp.MustCompile(`(?i)^you('re| are) receiving this`),
	regexp.MustCompile(`(?i)^sent from my `),
	regexp.MustCompile(`(?i)^--\s*$`),
}

const minContentLength = 3

// Result is the outcome of CommentText: the extracted text plus which
// strategy produced it, useful for logging/debugging adapter behavior.
type Result struct {
	Text     string
	Strategy string
}

// CommentText runs each comment-extraction strategy over html in order
// and returns the first non-empty, non-boilerplate result. botHandle is
// the design platform's bot mention token (e.g. "@design-bot"), used by
// the mention-proximity strategies.
func CommentText(html string, botHandle string) Result {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Result{}
	}

	strategies := []struct {
		name string
		fn   func(*goquery.Document, string) string
	}{
		{"bot_handle_mention", extractByBotHandleMention},
		{"structured_table_cell", extractByStructuredTableCell},
		{"context_around_mention", extractByContextAroundMention},
		{"selector_based", extractBySelector},
		{"longest_paragraph", extractLongestParagraph},
	}

	for _, strategy := range strategies {
		text := clean(strategy.fn(doc, botHandle))
		if isUsable(text) {
			return Result{Text: text, Strategy: strategy.name}
		}
	}
	return Result{}
}

// extractByBotHandleMention finds the element containing botHandle and
// returns its own text, trimmed of the mention token itself. This is the
// most specific strategy: it only fires when the comment literally
// mentions the bot, which design-platform notification emails always do
// when the comment is meant to trigger sync.
func extractByBotHandleMention(doc *goquery.Document, botHandle string) string {
	if botHandle == "" {
		return ""
	}
	var found string
	doc.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.Children().Length() > 0 {
			return true
		}
		text := sel.Text()
		if !strings.Contains(text, botHandle) {
			return true
		}
		found = strings.TrimSpace(strings.Replace(text, botHandle, "", 1))
		return false
	})
	return found
}

// extractByStructuredTableCell looks for the table cell immediately
// following a label cell containing "comment" — the layout design
// platforms commonly use for notification emails built from a template
// engine's table-based fallback renderer.
func extractByStructuredTableCell(doc *goquery.Document, _ string) string {
	var found string
	doc.Find("td").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		label := strings.ToLower(strings.TrimSpace(cell.Text()))
		if !strings.Contains(label, "comment") {
			return true
		}
		next := cell.Next()
		if next.Length() == 0 {
			return true
		}
		found = next.Text()
		return false
	})
	return found
}

// extractByContextAroundMention returns the body text that follows the
// first bot-handle mention, up to the end of that line, for mentions that
// aren't inside their own element (plain-text emails rendered as a single
// <p>). Text before the mention is not included.
func extractByContextAroundMention(doc *goquery.Document, botHandle string) string {
	if botHandle == "" {
		return ""
	}
	body := doc.Find("body").Text()
	idx := strings.Index(body, botHandle)
	if idx < 0 {
		return ""
	}
	after := body[idx+len(botHandle):]
	if nl := strings.IndexAny(after, "\n\r"); nl >= 0 {
		after = after[:nl]
	}
	return after
}

// commentSelectors are CSS selectors design-platform templates are known
// to use for the comment body, tried in order of specificity.
var commentSelectors = []string{
	".comment-body",
	".comment-text",
	"[data-testid='comment-content']",
	".notification-comment",
}

func extractBySelector(doc *goquery.Document, _ string) string {
	for _, selector := range commentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 {
			return sel.Text()
		}
	}
	return ""
}

// extractLongestParagraph falls back to the longest <p>/<div> text block
// that doesn't match a known boilerplate pattern — the same
// longest-candidate fallback the web ingester uses when no structural
// marker is found.
func extractLongestParagraph(doc *goquery.Document, _ string) string {
	var longest string
	doc.Find("p, div").Each(func(_ int, sel *goquery.Selection) {
		if sel.Children().Length() > 0 {
			return
		}
		text := strings.TrimSpace(sel.Text())
		if isBoilerplate(text) {
			return
		}
		if len(text) > len(longest) {
			longest = text
		}
	})
	return longest
}

func clean(text string) string {
	sanitized := sanitizer.Sanitize(text)
	return strings.TrimSpace(collapseWhitespace(sanitized))
}

func collapseWhitespace(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == '\r' || r == '\t'
	})
	return strings.Join(strings.Fields(strings.Join(fields, " ")), " ")
}

func isUsable(text string) bool {
	return len(text) >= minContentLength && !isBoilerplate(text)
}

func isBoilerplate(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	for _, pattern := range boilerplatePatterns {
		if pattern.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// fileKeyPattern locates a design-file reference in a link URL: a
// file-scoped path segment ("file/KEY", "design/KEY") or a query-string
// parameter ("file=KEY", "design=KEY"). A key carried in a data
// attribute is read by fileKeyFromDataAttr instead.
var fileKeyPattern = regexp.MustCompile(`(?:file|design)[/=]([A-Za-z0-9]{10,})`)

// senderFileKeyPattern matches a file key encoded into a notification
// address's local part, e.g. "design-a1b2c3d4e5f6@notify.example.com"
// (spec §4.5 strategy a).
var senderFileKeyPattern = regexp.MustCompile(`(?:^|[._-])(?:file|design)[+._-]([A-Za-z0-9]{10,})(?:[._-]|$)`)

// redirectTargetParams are the query parameters notification-email
// link-tracking wrappers are known to carry the real destination under.
var redirectTargetParams = []string{"url", "u", "redirect", "redirect_to", "target"}

// FileKey runs the file-key strategies over html and sender in order —
// sender local part, a data-file-key attribute, the href of a
// design/file anchor, then the href of any link (both hrefs after
// decoding a link-tracking redirect target) — and returns the first one
// found (spec §4.5).
func FileKey(html, sender string) string {
	if key := fileKeyFromSenderLocalPart(sender); key != "" {
		return key
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	if key := fileKeyFromDataAttr(doc); key != "" {
		return key
	}
	if key := fileKeyFromAnchorHref(doc); key != "" {
		return key
	}
	return fileKeyFromAnyLink(doc)
}

// fileKeyFromSenderLocalPart matches senderFileKeyPattern against the local
// part of sender (everything before '@'), for addresses the design
// platform stamps with the file key directly.
func fileKeyFromSenderLocalPart(sender string) string {
	local := sender
	if at := strings.IndexByte(sender, '@'); at >= 0 {
		local = sender[:at]
	}
	match := senderFileKeyPattern.FindStringSubmatch(local)
	if match == nil {
		return ""
	}
	return match[1]
}

// decodeRedirectTarget returns the URL-decoded destination a
// link-tracking wrapper carries in one of redirectTargetParams, or href
// unchanged when it isn't a recognised wrapper.
func decodeRedirectTarget(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	query := u.Query()
	for _, param := range redirectTargetParams {
		v := query.Get(param)
		if v == "" {
			continue
		}
		if decoded, err := url.QueryUnescape(v); err == nil {
			return decoded
		}
		return v
	}
	return href
}

func fileKeyFromDataAttr(doc *goquery.Document) string {
	sel := doc.Find("[data-file-key]").First()
	if sel.Length() == 0 {
		return ""
	}
	key, _ := sel.Attr("data-file-key")
	return key
}

func fileKeyFromAnchorHref(doc *goquery.Document) string {
	var found string
	doc.Find("a.design-link, a.file-link").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		if match := fileKeyPattern.FindStringSubmatch(decodeRedirectTarget(href)); match != nil {
			found = match[1]
			return false
		}
		return true
	})
	return found
}

func fileKeyFromAnyLink(doc *goquery.Document) string {
	var found string
	doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		if match := fileKeyPattern.FindStringSubmatch(decodeRedirectTarget(href)); match != nil {
			found = match[1]
			return false
		}
		return true
	})
	return found
}
