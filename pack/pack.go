// Package pack converts form responses into bounded-size display pages.
package pack

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"gforms-notifier/pkg/formwatch"
)

const (
	// ContentLimit is the most characters a page's content may hold.
	ContentLimit = 4096
	// TotalLimit caps a page's title, content and footer combined.
	TotalLimit = 6000

	// NoAnswersNotice is appended to the description of a response with no answers.
	NoAnswersNotice = "*No answers were submitted.*"

	fenceOpen  = "```\n"
	fenceClose = "\n```"
	fenceLen   = 8
)

// Limits are the per-page ceilings applied while packing.
type Limits struct {
	Content int // Ceiling on content alone
	Total   int // Ceiling on title + content + footer
}

// DefaultLimits returns the ceilings of a chat embed.
func DefaultLimits() Limits {
	return Limits{Content: ContentLimit, Total: TotalLimit}
}

// Packer packs response documents into pages. It holds no mutable state and is safe for concurrent use.
type Packer struct {
	limits Limits
}

// New creates a packer with the given limits.
func New(limits Limits) (*Packer, error) {
	if limits.Content <= fenceLen {
		return nil, fmt.Errorf("content limit %d too small", limits.Content)
	}
	if limits.Total < limits.Content {
		return nil, errors.New("total limit must not be below content limit")
	}
	return &Packer{limits: limits}, nil
}

var defaultPacker = &Packer{limits: DefaultLimits()}

// Pack packs doc using the default limits.
func Pack(schema *formwatch.FormSchema, title, description string, doc *formwatch.ResponseDocument) []formwatch.Page {
	return defaultPacker.Pack(schema, title, description, doc)
}

// Pack renders doc against schema into an ordered, non-empty sequence of pages.
// The first page carries title; every page carries the submission id as footer and the submission time.
func (p *Packer) Pack(schema *formwatch.FormSchema, title, description string, doc *formwatch.ResponseDocument) []formwatch.Page {
	acc := accumulator{
		limits: p.limits,
		cur: formwatch.Page{
			Title:     truncate(title, p.limits.Total-p.limits.Content),
			Footer:    doc.ID,
			Timestamp: doc.SubmittedAt,
		},
	}
	for _, c := range chunks(schema, description, doc) {
		acc = acc.append(c)
	}
	return acc.finish()
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// chunk is one indivisible-unless-oversized run of text. Literal chunks are fenced when written.
type chunk struct {
	text    string
	literal bool
}

func (c chunk) size() int {
	n := utf8.RuneCountInString(c.text)
	if c.literal {
		n += fenceLen
	}
	return n
}

// accumulator is the page under construction plus the pages already emitted.
// Methods take and return values so packing stays a pure fold over chunks.
type accumulator struct {
	limits Limits
	cur    formwatch.Page
	n      int // Runes in cur.Content
	out    []formwatch.Page
}

func (a accumulator) room() int {
	content := a.limits.Content - a.n
	total := a.limits.Total - utf8.RuneCountInString(a.cur.Title) - utf8.RuneCountInString(a.cur.Footer) - a.n
	return min(content, total)
}

// freshRoom is the room of an empty continuation page.
func (a accumulator) freshRoom() int {
	return min(a.limits.Content, a.limits.Total-utf8.RuneCountInString(a.cur.Footer))
}

func (a accumulator) append(c chunk) accumulator {
	if c.text == "" {
		return a
	}
	size := c.size()
	if size <= a.room() {
		return a.write(c)
	}
	if size > a.freshRoom() {
		return a.split(c)
	}
	a = a.flush()
	if size <= a.room() {
		return a.write(c)
	}
	return a.split(c)
}

func (a accumulator) write(c chunk) accumulator {
	if c.literal {
		a.cur.Content += fenceOpen + c.text + fenceClose
	} else {
		a.cur.Content += c.text
	}
	a.n += c.size()
	return a
}

// split writes c across as many pages as needed, filling the current page first.
func (a accumulator) split(c chunk) accumulator {
	rest := []rune(c.text)
	for len(rest) > 0 {
		room := a.room()
		if c.literal {
			room -= fenceLen
		}
		if room <= 0 {
			if a.cur.Content == "" {
				panic(fmt.Sprintf("pack: page has no room for content (title %d, footer %d runes)",
					utf8.RuneCountInString(a.cur.Title), utf8.RuneCountInString(a.cur.Footer)))
			}
			a = a.flush()
			continue
		}
		n := min(room, len(rest))
		a = a.write(chunk{text: string(rest[:n]), literal: c.literal})
		rest = rest[n:]
		if len(rest) > 0 {
			a = a.flush()
		}
	}
	return a
}

// flush emits the current page and starts an untitled continuation page.
// An empty page is kept in place, title included.
func (a accumulator) flush() accumulator {
	if a.cur.Content == "" {
		return a
	}
	a.out = append(a.out, a.cur)
	a.cur = formwatch.Page{Footer: a.cur.Footer, Timestamp: a.cur.Timestamp}
	a.n = 0
	return a
}

func (a accumulator) finish() []formwatch.Page {
	if a.cur.Content != "" || len(a.out) == 0 {
		a.out = append(a.out, a.cur)
	}
	return a.out
}
