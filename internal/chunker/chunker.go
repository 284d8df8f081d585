// Package chunker splits the extracted text of a document frame into
// ordered chunks. Markdown headings and paragraph breaks are preferred cut
// points; lines longer than the maximum are cut on word boundaries.
package chunker

import (
	"strings"

	"github.com/rcliao/framestore/internal/model"
)

const (
	DefaultTargetSize = 800
	DefaultMinSize    = 200
	DefaultMaxSize    = 1200
)

// Options configures chunk sizes, in bytes.
type Options struct {
	TargetSize int
	// MinSize is the smallest trailing chunk kept on its own; anything
	// smaller is folded into the previous chunk when it fits.
	MinSize int
	MaxSize int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MinSize:    DefaultMinSize,
		MaxSize:    DefaultMaxSize,
	}
}

func (o Options) normalized() Options {
	if o.TargetSize <= 0 {
		return DefaultOptions()
	}
	if o.MaxSize < o.TargetSize {
		o.MaxSize = o.TargetSize
	}
	if o.MinSize < 0 || o.MinSize > o.TargetSize {
		o.MinSize = 0
	}
	return o
}

// Split cuts text into chunks numbered from 0. Text that fits in MaxSize
// yields a single chunk; empty text yields none. Line numbers are 1-based
// and refer to the trimmed text.
func Split(text string, opts Options) []model.Chunk {
	opts = opts.normalized()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []model.Chunk
	if len(text) <= opts.MaxSize {
		out = []model.Chunk{{Text: text, StartLine: 1, EndLine: strings.Count(text, "\n") + 1}}
	} else {
		out = merge(splitBlocks(text), opts)
		out = foldTail(out, opts)
	}
	for i := range out {
		out[i].Seq = i
	}
	return out
}

type block struct {
	text      string
	startLine int
	endLine   int
}

// splitBlocks cuts text before every heading and at blank lines.
func splitBlocks(text string) []block {
	lines := strings.Split(text, "\n")
	var (
		blocks  []block
		current []string
		start   = 1
	)
	flush := func(end int) {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			blocks = append(blocks, block{text: t, startLine: start, endLine: end})
		}
		current = nil
		start = end + 1
	}

	inFence := false
	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		switch {
		case inFence:
		case trimmed == "":
			if len(current) > 0 {
				flush(n - 1)
			}
			continue
		case strings.HasPrefix(trimmed, "#") && len(current) > 0:
			flush(n - 1)
		}
		if len(current) == 0 {
			start = n
		}
		current = append(current, line)
	}
	flush(len(lines))
	return blocks
}

// merge packs consecutive blocks up to TargetSize and cuts oversized ones.
func merge(blocks []block, opts Options) []model.Chunk {
	var (
		out   []model.Chunk
		accum block
	)
	flush := func() {
		if accum.text == "" {
			return
		}
		if len(accum.text) > opts.MaxSize {
			out = append(out, hardSplit(accum.text, accum.startLine, opts)...)
		} else {
			out = append(out, model.Chunk{Text: accum.text, StartLine: accum.startLine, EndLine: accum.endLine})
		}
		accum = block{}
	}

	for _, b := range blocks {
		if accum.text == "" {
			accum = b
			continue
		}
		combined := accum.text + "\n\n" + b.text
		if len(combined) <= opts.TargetSize {
			accum.text = combined
			accum.endLine = b.endLine
			continue
		}
		flush()
		accum = b
	}
	flush()
	return out
}

// hardSplit cuts text on line boundaries near TargetSize. A single line
// longer than MaxSize is cut on word boundaries.
func hardSplit(text string, startLine int, opts Options) []model.Chunk {
	var (
		out     []model.Chunk
		current []string
		curLen  int
		curFrom = startLine
	)
	emit := func(lastLine int) {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			out = append(out, model.Chunk{Text: t, StartLine: curFrom, EndLine: lastLine})
		}
		current = nil
		curLen = 0
	}

	for i, line := range strings.Split(text, "\n") {
		n := startLine + i
		if len(line) > opts.MaxSize {
			if len(current) > 0 {
				emit(n - 1)
			}
			for _, piece := range splitWords(line, opts.TargetSize) {
				out = append(out, model.Chunk{Text: piece, StartLine: n, EndLine: n})
			}
			curFrom = n + 1
			continue
		}
		if curLen+len(line) > opts.TargetSize && len(current) > 0 {
			emit(n - 1)
			curFrom = n
		}
		if len(current) == 0 {
			curFrom = n
		}
		current = append(current, line)
		curLen += len(line) + 1
	}
	if len(current) > 0 {
		emit(curFrom + len(current) - 1)
	}
	return out
}

// splitWords cuts a long line into pieces of at most size bytes, breaking at
// the last space when there is one.
func splitWords(line string, size int) []string {
	var out []string
	line = strings.TrimSpace(line)
	for len(line) > size {
		cut := strings.LastIndexByte(line[:size], ' ')
		if cut <= 0 {
			cut = size
			for cut > 0 && !isRuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
		}
		out = append(out, strings.TrimSpace(line[:cut]))
		line = strings.TrimSpace(line[cut:])
	}
	if line != "" {
		out = append(out, line)
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// foldTail merges a too-small final chunk into its predecessor.
func foldTail(chunks []model.Chunk, opts Options) []model.Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	last := chunks[len(chunks)-1]
	prev := chunks[len(chunks)-2]
	if len(last.Text) >= opts.MinSize {
		return chunks
	}
	combined := prev.Text + "\n\n" + last.Text
	if len(combined) > opts.MaxSize {
		return chunks
	}
	prev.Text = combined
	prev.EndLine = last.EndLine
	chunks[len(chunks)-2] = prev
	return chunks[:len(chunks)-1]
}
