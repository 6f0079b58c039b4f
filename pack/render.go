package pack

import (
	"fmt"
	"strconv"
	"strings"

	"gforms-notifier/pkg/formwatch"
)

const (
	gaugeMark     = "○"
	gaugeSelected = "●"
)

// chunks lists the text of doc in append order: description, then heading, description and answer per answered item.
func chunks(schema *formwatch.FormSchema, description string, doc *formwatch.ResponseDocument) []chunk {
	if len(doc.Answers) == 0 {
		if description == "" {
			return []chunk{{text: NoAnswersNotice}}
		}
		return []chunk{{text: description + "\n\n" + NoAnswersNotice}}
	}

	out := []chunk{{text: description}}
	if schema == nil {
		return out
	}
	for i := range schema.Items {
		item := &schema.Items[i]
		if !answered(item, doc) {
			continue
		}
		title := item.Title
		if title == "" {
			title = "(empty)"
		}
		out = append(out, chunk{text: "\n### " + title + "\n"})
		if item.Description != "" {
			out = append(out, chunk{text: item.Description + "\n"})
		}
		out = append(out, renderAnswer(item, doc))
	}
	return out
}

func answered(item *formwatch.Item, doc *formwatch.ResponseDocument) bool {
	for _, id := range item.QuestionIDs() {
		if _, ok := doc.Answers[id]; ok {
			return true
		}
	}
	return false
}

func renderAnswer(item *formwatch.Item, doc *formwatch.ResponseDocument) chunk {
	if len(item.Group) > 0 {
		var rows []string
		for _, q := range item.Group {
			ans, ok := doc.Answers[q.ID]
			if !ok {
				continue
			}
			var b strings.Builder
			b.WriteString("- " + q.Title)
			for _, v := range ans.Values {
				b.WriteString("\n  - " + v)
			}
			rows = append(rows, b.String())
		}
		return chunk{text: strings.Join(rows, "\n")}
	}

	q := item.Question
	ans := doc.Answers[q.ID]
	switch {
	case len(ans.Files) > 0:
		return chunk{text: fileLinks(ans.Files)}
	case q.Kind == formwatch.QuestionScale:
		if g, ok := gauge(q, ans.Values); ok {
			return chunk{text: g}
		}
		return chunk{text: bullets(ans.Values)}
	case q.Kind == formwatch.QuestionChoice:
		return chunk{text: choices(q, ans.Values)}
	case q.Kind == formwatch.QuestionText:
		return chunk{text: strings.Join(ans.Values, "\n"), literal: true}
	default:
		return chunk{text: bullets(ans.Values)}
	}
}

func bullets(values []string) string {
	lines := make([]string, 0, len(values))
	for _, v := range values {
		lines = append(lines, "- "+v)
	}
	return strings.Join(lines, "\n")
}

func fileLinks(files []formwatch.File) string {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		if f.Name != "" {
			lines = append(lines, fmt.Sprintf("- [%s](%s)", f.Name, formwatch.FileURL(f.ID)))
			continue
		}
		lines = append(lines, "- "+formwatch.FileURL(f.ID))
	}
	return strings.Join(lines, "\n")
}

// choices renders selected values, flagging free-text "other" entries.
func choices(q *formwatch.Question, values []string) string {
	known := make(map[string]bool, len(q.Options))
	hasOther := false
	for _, o := range q.Options {
		if o.IsOther {
			hasOther = true
			continue
		}
		known[o.Value] = true
	}
	lines := make([]string, 0, len(values))
	for _, v := range values {
		if hasOther && !known[v] {
			lines = append(lines, "- *Other:* "+v)
			continue
		}
		lines = append(lines, "- "+v)
	}
	return strings.Join(lines, "\n")
}

// gauge draws high-low+1 markers with the selected position filled.
// An absent low bound is zero, giving high+1 markers.
func gauge(q *formwatch.Question, values []string) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	value, err := strconv.Atoi(strings.TrimSpace(values[0]))
	if err != nil || q.High < q.Low {
		return "", false
	}
	var b strings.Builder
	if q.LowLabel != "" {
		b.WriteString("*" + q.LowLabel + "* — ")
	}
	b.WriteString(strconv.Itoa(q.Low) + " ")
	for i := 0; i <= q.High-q.Low; i++ {
		if i == value-q.Low {
			b.WriteString(gaugeSelected)
		} else {
			b.WriteString(gaugeMark)
		}
	}
	b.WriteString(" " + strconv.Itoa(q.High))
	if q.HighLabel != "" {
		b.WriteString(" — *" + q.HighLabel + "*")
	}
	return b.String(), true
}
