package nlp

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/softindex"
)

var _ Extractor = (*Heuristic)(nil)

// Heuristic is a rule-based Extractor. It needs no model or network access.
type Heuristic struct {
	// MaxTags caps the number of frequency-derived tags. Hashtags are always
	// kept.
	MaxTags int
	// MinFrequency is how often a word must occur to become a tag.
	MinFrequency int
}

// NewHeuristic returns a Heuristic with default limits.
func NewHeuristic() *Heuristic {
	return &Heuristic{MaxTags: 8, MinFrequency: 2}
}

var hashtagPattern = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}][\p{L}\p{N}_/-]*)`)

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "been": true,
	"before": true, "being": true, "between": true, "both": true, "could": true,
	"does": true, "doing": true, "down": true, "during": true, "each": true,
	"from": true, "further": true, "have": true, "having": true, "here": true,
	"into": true, "just": true, "more": true, "most": true, "only": true,
	"other": true, "over": true, "same": true, "should": true, "some": true,
	"such": true, "than": true, "that": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true,
	"those": true, "through": true, "under": true, "until": true, "very": true,
	"were": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "will": true, "with": true, "would": true, "your": true,
	"http": true, "https": true, "www": true,
}

// Tags returns hashtags found in text followed by the most frequent content
// words.
func (h *Heuristic) Tags(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tags []string
	for _, m := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tags = append(tags, strings.ToLower(m[1]))
	}

	counts := map[string]int{}
	for _, tok := range softindex.Tokenize(text) {
		if len([]rune(tok)) < 4 || stopwords[tok] || isNumber(tok) {
			continue
		}
		counts[tok]++
	}
	type wordCount struct {
		word  string
		count int
	}
	var ranked []wordCount
	for w, n := range counts {
		if n >= h.minFrequency() {
			ranked = append(ranked, wordCount{w, n})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	for i, wc := range ranked {
		if i >= h.maxTags() {
			break
		}
		tags = append(tags, wc.word)
	}
	return model.NormalizeSet(tags), nil
}

func (h *Heuristic) maxTags() int {
	if h.MaxTags <= 0 {
		return 8
	}
	return h.MaxTags
}

func (h *Heuristic) minFrequency() int {
	if h.MinFrequency <= 0 {
		return 2
	}
	return h.MinFrequency
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

var (
	isoDatePattern  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	monthDayPattern = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	dayMonthPattern = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
	relativePattern = regexp.MustCompile(`(?i)\b(today|yesterday|tomorrow)\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November,
	"dec": time.December,
}

// Dates recognizes ISO dates, written month-day-year and day-month-year
// dates, and today/yesterday/tomorrow. Impossible calendar dates are
// skipped. Each distinct date is reported once, in order of appearance.
func (h *Heuristic) Dates(ctx context.Context, text string, ref time.Time) ([]model.DateRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type found struct {
		pos int
		ref model.DateRef
	}
	var all []found
	add := func(pos int, raw string, y int, m time.Month, d int) {
		t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if t.Year() != y || t.Month() != m || t.Day() != d {
			return
		}
		all = append(all, found{pos, model.DateRef{Text: raw, Date: t.Format(time.DateOnly)}})
	}

	for _, idx := range isoDatePattern.FindAllStringSubmatchIndex(text, -1) {
		y, _ := strconv.Atoi(text[idx[2]:idx[3]])
		m, _ := strconv.Atoi(text[idx[4]:idx[5]])
		d, _ := strconv.Atoi(text[idx[6]:idx[7]])
		add(idx[0], text[idx[0]:idx[1]], y, time.Month(m), d)
	}
	for _, idx := range monthDayPattern.FindAllStringSubmatchIndex(text, -1) {
		m := months[strings.ToLower(text[idx[2]:idx[3]])]
		d, _ := strconv.Atoi(text[idx[4]:idx[5]])
		y, _ := strconv.Atoi(text[idx[6]:idx[7]])
		add(idx[0], text[idx[0]:idx[1]], y, m, d)
	}
	for _, idx := range dayMonthPattern.FindAllStringSubmatchIndex(text, -1) {
		d, _ := strconv.Atoi(text[idx[2]:idx[3]])
		m := months[strings.ToLower(text[idx[4]:idx[5]])]
		y, _ := strconv.Atoi(text[idx[6]:idx[7]])
		add(idx[0], text[idx[0]:idx[1]], y, m, d)
	}
	if !ref.IsZero() {
		ref = ref.UTC()
		for _, idx := range relativePattern.FindAllStringIndex(text, -1) {
			raw := text[idx[0]:idx[1]]
			day := ref
			switch strings.ToLower(raw) {
			case "yesterday":
				day = ref.AddDate(0, 0, -1)
			case "tomorrow":
				day = ref.AddDate(0, 0, 1)
			}
			add(idx[0], raw, day.Year(), day.Month(), day.Day())
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].pos < all[j].pos })
	seen := map[string]bool{}
	var out []model.DateRef
	for _, f := range all {
		if seen[f.ref.Date] {
			continue
		}
		seen[f.ref.Date] = true
		out = append(out, f.ref)
	}
	return out, nil
}

// predicates are matched longest first so "works at" wins over "works".
var predicates = []string{
	"is located in", "is part of", "depends on", "belongs to", "works at",
	"works for", "lives in", "reports to", "is a", "is an", "is the",
	"created", "prefers", "manages", "founded", "likes", "loves", "hates",
	"wrote", "owns", "uses", "has", "is", "are", "was",
}

var (
	sentenceSplit  = regexp.MustCompile(`[.!?;\n]+`)
	subjectPattern = regexp.MustCompile(`^\p{Lu}[\p{L}\p{N}'-]*(?:\s+\p{Lu}[\p{L}\p{N}'-]*){0,2}$`)
	articles       = []string{"a ", "an ", "the "}
)

const maxObjectWords = 8

// Triplets finds sentences of the form "<Proper Noun> <predicate> <object>".
func (h *Heuristic) Triplets(ctx context.Context, text string) ([]model.Triplet, error) {
	var out []model.Triplet
	seen := map[model.Triplet]bool{}
	for _, sentence := range sentenceSplit.Split(text, -1) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		t, ok := parseTriplet(strings.TrimSpace(sentence))
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

func parseTriplet(sentence string) (model.Triplet, bool) {
	words := strings.Fields(sentence)
	if len(words) < 3 {
		return model.Triplet{}, false
	}
	best := -1
	var bestPred string
	for _, p := range predicates {
		i := indexWord(sentence, p)
		if i <= 0 {
			continue
		}
		if best == -1 || i < best || (i == best && len(p) > len(bestPred)) {
			best, bestPred = i, p
		}
	}
	if best == -1 {
		return model.Triplet{}, false
	}

	subject := strings.TrimSpace(sentence[:best])
	object := strings.TrimSpace(sentence[best+len(bestPred):])
	if !subjectPattern.MatchString(subject) || object == "" {
		return model.Triplet{}, false
	}
	for _, a := range articles {
		if len(object) >= len(a) && strings.EqualFold(object[:len(a)], a) {
			object = strings.TrimSpace(object[len(a):])
			break
		}
	}
	if fields := strings.Fields(object); len(fields) > maxObjectWords || len(fields) == 0 {
		return model.Triplet{}, false
	}
	object = strings.Trim(object, `"',:`)
	if object == "" {
		return model.Triplet{}, false
	}

	predicate := bestPred
	switch predicate {
	case "is a", "is an", "is the":
		predicate = "is"
	}
	return model.Triplet{Subject: subject, Predicate: predicate, Object: object}, true
}

// indexWord finds the ASCII phrase in s as a case-insensitive whole-word
// match. The offset indexes s itself, not a lowered copy of it.
func indexWord(s, phrase string) int {
	for i := 0; i+len(phrase) < len(s); i++ {
		if i > 0 && s[i-1] != ' ' {
			continue
		}
		end := i + len(phrase)
		if s[end] == ' ' && strings.EqualFold(s[i:end], phrase) {
			return i
		}
	}
	return -1
}
