package enrich

import (
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/framestore/internal/model"
)

const (
	mimeHTML     = "text/html"
	mimeMarkdown = "text/markdown"
	mimePlain    = "text/plain"
	mimeBinary   = "application/octet-stream"

	// textUnit is how many bytes of plain text are copied between budget
	// checks.
	textUnit = 32 << 10
	// htmlUnit is how many tokens are consumed between budget checks.
	htmlUnit = 64
	// minPrintableRun is the shortest run of printable bytes kept from
	// binary content.
	minPrintableRun = 4

	frontMatterDelimiter = "---"
)

// Extraction is the text recovered from a frame's raw content.
type Extraction struct {
	Text        string
	MIME        string
	Title       string
	Tags        []string
	FrontMatter model.Value
	Truncated   bool
	Elapsed     time.Duration
}

// Report is the summary stored under metadata["extraction"].
func (e Extraction) Report() model.Value {
	return model.Object(map[string]model.Value{
		"truncated":  model.Bool(e.Truncated),
		"elapsed_ms": model.Number(float64(e.Elapsed.Milliseconds())),
		"mime":       model.String(e.MIME),
	})
}

// budget tracks the extraction deadline. A zero limit never expires, but a
// cancelled context always stops extraction.
type budget struct {
	ctx   context.Context
	now   func() time.Time
	start time.Time
	limit time.Duration
}

func (b *budget) exceeded() bool {
	if b.ctx.Err() != nil {
		return true
	}
	return b.limit > 0 && b.now().Sub(b.start) >= b.limit
}

// Extract recovers text from raw under the given time budget. nameHint (a
// file name or URI) helps pick the format when sniffing is ambiguous.
// When the budget runs out the text gathered so far is returned with
// Truncated set.
func Extract(ctx context.Context, raw []byte, limit time.Duration, nameHint string) Extraction {
	return extractWithClock(ctx, raw, limit, nameHint, time.Now)
}

func extractWithClock(ctx context.Context, raw []byte, limit time.Duration, nameHint string, now func() time.Time) Extraction {
	b := &budget{ctx: ctx, now: now, start: now(), limit: limit}

	var ex Extraction
	switch ex.MIME = sniff(raw, nameHint); ex.MIME {
	case mimeHTML:
		extractHTML(raw, b, &ex)
	case mimeMarkdown:
		extractMarkdown(raw, b, &ex)
	case mimePlain:
		ex.Text, ex.Truncated = copyText(string(raw), b)
	default:
		ex.Text, ex.Truncated = printableRuns(raw, b)
	}
	ex.Text = strings.TrimSpace(ex.Text)
	ex.Elapsed = now().Sub(b.start)
	return ex
}

func sniff(raw []byte, nameHint string) string {
	switch strings.ToLower(filepath.Ext(nameHint)) {
	case ".md", ".markdown":
		return mimeMarkdown
	case ".html", ".htm":
		return mimeHTML
	}
	if hasFrontMatter(raw) {
		return mimeMarkdown
	}
	detected := http.DetectContentType(raw)
	switch {
	case strings.HasPrefix(detected, mimeHTML):
		return mimeHTML
	case strings.HasPrefix(detected, "text/"):
		return mimePlain
	case utf8.Valid(raw) && !bytes.ContainsRune(raw, 0):
		return mimePlain
	}
	return mimeBinary
}

// copyText copies s in units, checking the budget after each one.
func copyText(s string, b *budget) (string, bool) {
	var sb strings.Builder
	for len(s) > 0 {
		n := min(textUnit, len(s))
		for n < len(s) && !utf8.RuneStart(s[n]) {
			n++
		}
		sb.WriteString(s[:n])
		s = s[n:]
		if len(s) > 0 && b.exceeded() {
			return sb.String(), true
		}
	}
	return sb.String(), false
}

func hasFrontMatter(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte(frontMatterDelimiter+"\n")) ||
		bytes.HasPrefix(raw, []byte(frontMatterDelimiter+"\r\n"))
}

// splitFrontMatter separates a leading YAML block from the markdown body.
// ok is false when there is no complete block.
func splitFrontMatter(s string) (block, body string, ok bool) {
	if !strings.HasPrefix(s, frontMatterDelimiter) {
		return "", s, false
	}
	rest := s[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx == -1 {
		return "", s, false
	}
	block = rest[:idx]
	body = rest[idx+len("\n"+frontMatterDelimiter):]
	body = strings.TrimLeft(body, "\r\n")
	return block, body, true
}

func extractMarkdown(raw []byte, b *budget, ex *Extraction) {
	block, body, ok := splitFrontMatter(string(raw))
	if ok {
		var meta map[string]any
		// Malformed front matter is left in the body as plain text.
		if err := yaml.Unmarshal([]byte(block), &meta); err == nil && meta != nil {
			applyFrontMatter(meta, ex)
		} else {
			body = string(raw)
		}
	}
	ex.Text, ex.Truncated = copyText(body, b)
}

func applyFrontMatter(meta map[string]any, ex *Extraction) {
	if v, err := model.FromAny(meta); err == nil {
		ex.FrontMatter = v
	}
	if title, ok := meta["title"].(string); ok {
		ex.Title = strings.TrimSpace(title)
	}
	switch tags := meta["tags"].(type) {
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				ex.Tags = append(ex.Tags, strings.ToLower(s))
			}
		}
	case string:
		for _, t := range strings.Split(tags, ",") {
			ex.Tags = append(ex.Tags, strings.ToLower(t))
		}
	}
	ex.Tags = model.NormalizeSet(ex.Tags)
}

var skippedElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Template: true, atom.Svg: true, atom.Iframe: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true,
	atom.H6: true, atom.Section: true, atom.Article: true, atom.Header: true,
	atom.Footer: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true,
	atom.Ul: true, atom.Ol: true, atom.Hr: true,
}

// extractHTML streams tokens, dropping script and style content and
// breaking lines at block elements. The <title> becomes ex.Title.
func extractHTML(raw []byte, b *budget, ex *Extraction) {
	z := html.NewTokenizer(bytes.NewReader(raw))
	var (
		sb      strings.Builder
		skip    int
		inTitle bool
		title   strings.Builder
	)
	newline := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}

	for n := 1; ; n++ {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skippedElements[a] && tt == html.StartTagToken {
				skip++
			}
			if a == atom.Title {
				inTitle = tt == html.StartTagToken
			}
			if blockElements[a] {
				newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skippedElements[a] && skip > 0 {
				skip--
			}
			if a == atom.Title {
				inTitle = false
			}
			if blockElements[a] {
				newline()
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := collapseSpace(string(z.Text()))
			if text == "" {
				continue
			}
			if inTitle {
				title.WriteString(text)
				continue
			}
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteByte(' ')
			}
			sb.WriteString(text)
		}
		if n%htmlUnit == 0 && b.exceeded() {
			ex.Truncated = true
			break
		}
	}
	ex.Title = strings.TrimSpace(title.String())
	ex.Text = sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// printableRuns keeps runs of printable ASCII at least minPrintableRun
// bytes long, one per line, in the manner of strings(1).
func printableRuns(raw []byte, b *budget) (string, bool) {
	var (
		sb  strings.Builder
		run []byte
	)
	flush := func() {
		if len(run) >= minPrintableRun {
			sb.Write(run)
			sb.WriteByte('\n')
		}
		run = run[:0]
	}
	for i, c := range raw {
		if c < utf8.RuneSelf && (unicode.IsPrint(rune(c)) || c == '\t') {
			run = append(run, c)
		} else {
			flush()
		}
		if (i+1)%textUnit == 0 && i+1 < len(raw) && b.exceeded() {
			flush()
			return sb.String(), true
		}
	}
	flush()
	return sb.String(), false
}

// IsPlainText reports whether raw would be extracted as plain text, so the
// bytes can serve as searchable text as they are.
func IsPlainText(raw []byte, nameHint string) bool {
	return sniff(raw, nameHint) == mimePlain
}
