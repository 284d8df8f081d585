package chunker

import (
	"strings"
	"testing"
)

func TestSplit_EmptyInput(t *testing.T) {
	if result := Split("  \n\n ", DefaultOptions()); result != nil {
		t.Errorf("expected nil, got %v", result)
	}
}

func TestSplit_ShortContent(t *testing.T) {
	text := "A short document.\nTwo lines."
	result := Split(text, DefaultOptions())
	if len(result) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(result))
	}
	c := result[0]
	if c.Text != text || c.Seq != 0 || c.StartLine != 1 || c.EndLine != 2 {
		t.Errorf("unexpected chunk %+v", c)
	}
}

func TestSplit_SplitsOnHeadings(t *testing.T) {
	section := strings.Repeat("Some content filling space. ", 12) // ~336 bytes
	text := "# Section One\n" + section + "\n# Section Two\n" + section + "\n# Section Three\n" + section

	result := Split(text, Options{TargetSize: 400, MinSize: 50, MaxSize: 600})
	if len(result) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(result))
	}
	for i, want := range []string{"Section One", "Section Two", "Section Three"} {
		if !strings.HasPrefix(result[i].Text, "# "+want) {
			t.Errorf("chunk %d should start with %q, got %q", i, want, result[i].Text[:20])
		}
		if result[i].Seq != i {
			t.Errorf("chunk %d has seq %d", i, result[i].Seq)
		}
	}
	if result[1].StartLine != 3 || result[1].EndLine != 4 {
		t.Errorf("second chunk lines = %d-%d, want 3-4", result[1].StartLine, result[1].EndLine)
	}
}

func TestSplit_RespectsMaxSize(t *testing.T) {
	opts := Options{TargetSize: 200, MinSize: 50, MaxSize: 300}
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "This is a line of text that is about sixty characters long.")
	}
	result := Split(strings.Join(lines, "\n"), opts)
	if len(result) < 4 {
		t.Fatalf("expected at least 4 chunks, got %d", len(result))
	}
	for _, c := range result {
		if len(c.Text) > opts.MaxSize {
			t.Errorf("chunk %d is %d bytes", c.Seq, len(c.Text))
		}
	}
}

func TestSplit_LongLineCutOnWords(t *testing.T) {
	opts := Options{TargetSize: 100, MaxSize: 150}
	line := strings.Repeat("word ", 100) // one 500 byte line
	result := Split(line, opts)
	if len(result) < 5 {
		t.Fatalf("expected at least 5 chunks, got %d", len(result))
	}
	for _, c := range result {
		if len(c.Text) > opts.TargetSize {
			t.Errorf("chunk %d is %d bytes", c.Seq, len(c.Text))
		}
		if strings.HasSuffix(c.Text, "wor") || strings.HasPrefix(c.Text, "d") {
			t.Errorf("chunk %d cut mid-word: %q", c.Seq, c.Text)
		}
	}
}

func TestSplit_MergesSmallBlocks(t *testing.T) {
	text := "# A\n\nShort.\n\n# B\n\nAlso short."
	result := Split(text, Options{TargetSize: 400, MinSize: 100, MaxSize: 600})
	if len(result) != 1 {
		t.Errorf("expected 1 merged chunk, got %d", len(result))
	}
}

func TestSplit_KeepsCodeFencesTogether(t *testing.T) {
	code := "```\n# not a heading\n\nstill code\n```"
	para := strings.Repeat("Prose sentence here. ", 20)
	text := para + "\n\n" + code + "\n\n" + para

	result := Split(text, Options{TargetSize: 450, MinSize: 10, MaxSize: 500})
	var found bool
	for _, c := range result {
		if strings.Contains(c.Text, "# not a heading") {
			found = true
			if !strings.Contains(c.Text, "still code") {
				t.Errorf("fenced block was split: %q", c.Text)
			}
		}
	}
	if !found {
		t.Fatal("code block missing from chunks")
	}
}

func TestSplit_FoldsTinyTail(t *testing.T) {
	para := strings.Repeat("x", 300)
	text := para + "\n\n" + para + "\n\ntail"

	result := Split(text, Options{TargetSize: 350, MinSize: 50, MaxSize: 400})
	if len(result) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(result))
	}
	if !strings.HasSuffix(result[1].Text, "tail") {
		t.Errorf("tail not folded: %q", result[1].Text)
	}
}
