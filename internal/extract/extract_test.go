package extract

import "testing"

func TestCommentTextBotHandleMentionStrategy(t *testing.T) {
	html := `<html><body><p>Hey @design-bot please sync this to tasks, thanks!</p></body></html>`
	result := CommentText(html, "@design-bot")
	if result.Strategy != "bot_handle_mention" {
		t.Fatalf("expected bot_handle_mention strategy, got %q (text=%q)", result.Strategy, result.Text)
	}
	if result.Text == "" {
		t.Fatalf("expected non-empty extracted text")
	}
}

func TestCommentTextStructuredTableCellStrategy(t *testing.T) {
	html := `<html><body><table><tr><td>Comment</td><td>Please ship the button redesign</td></tr></table></body></html>`
	result := CommentText(html, "")
	if result.Strategy != "structured_table_cell" {
		t.Fatalf("expected structured_table_cell strategy, got %q", result.Strategy)
	}
}

func TestCommentTextSkipsBoilerplate(t *testing.T) {
	html := `<html><body><p>Unsubscribe from these emails</p><p>View this comment online</p></body></html>`
	result := CommentText(html, "")
	if result.Text != "" {
		t.Fatalf("expected no usable text from all-boilerplate document, got %q", result.Text)
	}
}

func TestCommentTextLongestParagraphFallback(t *testing.T) {
	html := `<html><body><p>ok</p><p>This is a genuinely long comment explaining the requested design change in detail.</p></body></html>`
	result := CommentText(html, "")
	if result.Strategy != "longest_paragraph" {
		t.Fatalf("expected longest_paragraph strategy, got %q", result.Strategy)
	}
}

func TestFileKeyFromDataAttribute(t *testing.T) {
	html := `<html><body><div data-file-key="abcdef1234"></div></body></html>`
	if key := FileKey(html, "notify@example.com"); key != "abcdef1234" {
		t.Fatalf("expected abcdef1234, got %q", key)
	}
}

func TestFileKeyFromAnchorHref(t *testing.T) {
	html := `<html><body><a class="design-link" href="https://design.example.com/file/XyZ1234567abc">open</a></body></html>`
	if key := FileKey(html, "notify@example.com"); key != "XyZ1234567abc" {
		t.Fatalf("expected XyZ1234567abc, got %q", key)
	}
}

func TestFileKeyFromAnyLinkFallback(t *testing.T) {
	html := `<html><body><a href="https://design.example.com/design=abc123defg456">open</a></body></html>`
	if key := FileKey(html, "notify@example.com"); key != "abc123defg456" {
		t.Fatalf("expected abc123defg456, got %q", key)
	}
}

func TestFileKeyFromSenderLocalPart(t *testing.T) {
	html := `<html><body><p>no markers here</p></body></html>`
	if key := FileKey(html, "design-a1b2c3d4e5f6@notify.example.com"); key != "a1b2c3d4e5f6" {
		t.Fatalf("expected a1b2c3d4e5f6, got %q", key)
	}
}

func TestFileKeySenderLocalPartTakesPriorityOverLinks(t *testing.T) {
	html := `<html><body><a class="design-link" href="https://design.example.com/file/XyZ1234567abc">open</a></body></html>`
	if key := FileKey(html, "design-a1b2c3d4e5f6@notify.example.com"); key != "a1b2c3d4e5f6" {
		t.Fatalf("expected sender local part to win, got %q", key)
	}
}

func TestFileKeyFromRedirectWrappedLink(t *testing.T) {
	wrapped := "https://track.example.com/click?url=" + "https%3A%2F%2Fdesign.example.com%2Ffile%2Fredirectedkey1"
	html := `<html><body><a class="design-link" href="` + wrapped + `">open</a></body></html>`
	if key := FileKey(html, "notify@example.com"); key != "redirectedkey1" {
		t.Fatalf("expected redirectedkey1, got %q", key)
	}
}

func TestFileKeyNoStrategyMatches(t *testing.T) {
	html := `<html><body><p>nothing to see here</p></body></html>`
	if key := FileKey(html, "noreply@example.com"); key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}
