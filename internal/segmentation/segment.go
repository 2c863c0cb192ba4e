// Package segmentation splits a page-annotated document text into an ordered,
// deterministic sequence of overlapping content sections. Section ends are
// pushed forward to a sentence terminator when one is close, section starts
// are pulled back to the previous sentence, and tables rendered as inline
// markup are kept whole in the section that follows them whenever they fit.
package segmentation

import (
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
)

const (
	DefaultSectionLength  = 1000
	DefaultSentenceSearch = 100
	DefaultSectionOverlap = 100
	DefaultCategory       = "default"
)

var (
	sentenceEndings = []rune{'.', '!', '?'}
	wordBreaks      = []rune{',', ';', ':', ' ', '(', ')', '[', ']', '{', '}', '\t', '\n'}
	invalidIDChars  = regexp.MustCompile(`[^0-9a-zA-Z_-]`)
)

// Options tunes the sliding window. Zero values select the defaults.
type Options struct {
	// SectionLength is the target window length L in characters.
	SectionLength int
	// SentenceSearch is the lookahead W used to find a sentence terminator.
	SentenceSearch int
	// Overlap is the number of characters each section shares with the previous one.
	Overlap int
	// IDPrefix namespaces section ids, typically with the document id.
	IDPrefix string
	// Category is stamped on every section.
	Category string
}

func (o Options) withDefaults() Options {
	if o.SectionLength <= 0 {
		o.SectionLength = DefaultSectionLength
	}
	if o.SentenceSearch <= 0 {
		o.SentenceSearch = DefaultSentenceSearch
	}
	if o.Overlap <= 0 {
		o.Overlap = DefaultSectionOverlap
	}
	if o.Overlap >= o.SectionLength {
		o.Overlap = o.SectionLength / 10
	}
	if o.Category == "" {
		o.Category = DefaultCategory
	}
	return o
}

// Page is one entry of a page map: the page text, with tables already
// rendered as inline markup, and its character offset in the document.
type Page struct {
	Number int    `json:"page_number"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// Segment returns every section of the document. It is a pure function of its
// arguments: the same filename, pages and options always yield the same
// sections in the same order.
func Segment(filename string, pages []Page, opts Options) []pipeline.Section {
	var sections []pipeline.Section
	for s := range Sections(filename, pages, opts) {
		sections = append(sections, s)
	}
	return sections
}

// Sections yields the document's sections lazily. The sequence is computed
// on demand and is not meant to be restarted part way.
func Sections(filename string, pages []Page, opts Options) iter.Seq[pipeline.Section] {
	opts = opts.withDefaults()
	return func(yield func(pipeline.Section) bool) {
		i := 0
		for span := range spans(pages, opts) {
			s := pipeline.Section{
				ID:         sectionID(opts.IDPrefix, filename, i),
				Content:    span.text,
				SourcePage: span.page,
				SourceFile: filename,
				Category:   opts.Category,
			}
			i++
			if !yield(s) {
				return
			}
		}
	}
}

type span struct {
	text string
	page int
}

func spans(pages []Page, opts Options) iter.Seq[span] {
	return func(yield func(span) bool) {
		var b strings.Builder
		for _, p := range pages {
			b.WriteString(p.Text)
		}
		text := []rune(b.String())
		length := len(text)
		if length == 0 {
			return
		}

		L, W, O := opts.SectionLength, opts.SentenceSearch, opts.Overlap
		start, end := 0, length
		emitted := false

		for start+O < length {
			end = extendEnd(text, start, L, W)
			start = backOffStart(text, start, end, L, W)

			section := text[start:end]
			if !yield(span{text: string(section), page: findPage(pages, start)}) {
				return
			}
			emitted = true

			next := end - O
			lastTable := lastIndex(section, "<table")
			if lastTable > 2*W && lastTable > lastIndex(section, "</table") {
				// The section ends inside a table: restart at the table so it
				// lands whole in the next section. Tables starting within the
				// first 2W characters are left alone, otherwise a table longer
				// than L would be re-emitted forever.
				next = min(next, start+lastTable)
			}
			if next <= start {
				next = end
			}
			start = next
		}

		if start+O < end {
			yield(span{text: string(text[start:end]), page: findPage(pages, start)})
			return
		}
		if !emitted {
			// Documents no longer than the overlap still produce one section.
			yield(span{text: string(text), page: findPage(pages, 0)})
		}
	}
}

// extendEnd returns the exclusive end of the window starting at start. It
// moves forward up to W characters to reach a sentence terminator, falls back
// to the last word break seen, and otherwise keeps the hard cut.
func extendEnd(text []rune, start, L, W int) int {
	length := len(text)
	end := start + L
	if end > length {
		return length
	}
	lastWord := -1
	for end < length && end-start-L < W && !isSentenceEnding(text[end]) {
		if isWordBreak(text[end]) {
			lastWord = end
		}
		end++
	}
	if end < length && !isSentenceEnding(text[end]) && lastWord > 0 {
		end = lastWord
	}
	if end < length {
		end++
	}
	return end
}

// backOffStart moves start backwards, no further than end-L-2W, so the
// section begins right after a sentence terminator or at least a word break.
func backOffStart(text []rune, start, end, L, W int) int {
	lastWord := -1
	for start > 0 && start > end-L-2*W && !isSentenceEnding(text[start]) {
		if isWordBreak(text[start]) {
			lastWord = start
		}
		start--
	}
	if !isSentenceEnding(text[start]) && lastWord > 0 {
		start = lastWord
	}
	if start > 0 {
		start++
	}
	return start
}

// findPage returns the number of the page whose offset interval contains
// offset. Offsets past the last page start resolve to the last page.
func findPage(pages []Page, offset int) int {
	if len(pages) == 0 {
		return 0
	}
	for i := 0; i < len(pages)-1; i++ {
		if offset >= pages[i].Offset && offset < pages[i+1].Offset {
			return pages[i].Number
		}
	}
	return pages[len(pages)-1].Number
}

func sectionID(prefix, filename string, i int) string {
	id := fmt.Sprintf("%s-%d", filename, i)
	if prefix != "" {
		id = prefix + "-" + id
	}
	return invalidIDChars.ReplaceAllString(id, "_")
}

// lastIndex is strings.LastIndex measured in runes.
func lastIndex(s []rune, substr string) int {
	sub := []rune(substr)
	for i := len(s) - len(sub); i >= 0; i-- {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func isSentenceEnding(r rune) bool {
	for _, e := range sentenceEndings {
		if r == e {
			return true
		}
	}
	return false
}

func isWordBreak(r rune) bool {
	for _, b := range wordBreaks {
		if r == b {
			return true
		}
	}
	return false
}
