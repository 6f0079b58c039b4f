package forms

import (
	"fmt"
	"time"

	gforms "google.golang.org/api/forms/v1"

	"gforms-notifier/pkg/formwatch"
)

func convertForm(formID string, f *gforms.Form) *formwatch.FormSchema {
	schema := &formwatch.FormSchema{FormID: formID}
	if f.Info != nil {
		schema.Title = f.Info.Title
		if schema.Title == "" {
			schema.Title = f.Info.DocumentTitle
		}
		schema.Description = f.Info.Description
	}
	for _, it := range f.Items {
		if it == nil {
			continue
		}
		item := formwatch.Item{ID: it.ItemId, Title: it.Title, Description: it.Description}
		switch {
		case it.QuestionGroupItem != nil:
			var columns []formwatch.Option
			if g := it.QuestionGroupItem.Grid; g != nil && g.Columns != nil {
				columns = convertOptions(g.Columns.Options)
			}
			for _, q := range it.QuestionGroupItem.Questions {
				if q == nil {
					continue
				}
				row := convertQuestion(q)
				if columns != nil {
					row.Kind = formwatch.QuestionChoice
					row.Options = columns
				}
				item.Group = append(item.Group, row)
			}
		case it.QuestionItem != nil && it.QuestionItem.Question != nil:
			q := convertQuestion(it.QuestionItem.Question)
			item.Question = &q
		default:
			// Text, image, video and page-break items carry no answers.
			continue
		}
		schema.Items = append(schema.Items, item)
	}
	return schema
}

func convertQuestion(q *gforms.Question) formwatch.Question {
	out := formwatch.Question{ID: q.QuestionId, Kind: formwatch.QuestionOther}
	if q.RowQuestion != nil {
		out.Title = q.RowQuestion.Title
	}
	switch {
	case q.ChoiceQuestion != nil:
		out.Kind = formwatch.QuestionChoice
		out.Options = convertOptions(q.ChoiceQuestion.Options)
	case q.TextQuestion != nil:
		out.Kind = formwatch.QuestionText
		out.Paragraph = q.TextQuestion.Paragraph
	case q.ScaleQuestion != nil:
		out.Kind = formwatch.QuestionScale
		out.Low = int(q.ScaleQuestion.Low)
		out.High = int(q.ScaleQuestion.High)
		out.LowLabel = q.ScaleQuestion.LowLabel
		out.HighLabel = q.ScaleQuestion.HighLabel
	case q.FileUploadQuestion != nil:
		out.Kind = formwatch.QuestionFileUpload
	case q.DateQuestion != nil:
		out.Kind = formwatch.QuestionDate
	case q.TimeQuestion != nil:
		out.Kind = formwatch.QuestionTime
	case q.RatingQuestion != nil:
		out.Kind = formwatch.QuestionRating
	}
	return out
}

func convertOptions(opts []*gforms.Option) []formwatch.Option {
	out := make([]formwatch.Option, 0, len(opts))
	for _, o := range opts {
		if o == nil {
			continue
		}
		out = append(out, formwatch.Option{Value: o.Value, IsOther: o.IsOther})
	}
	return out
}

func convertResponse(r *gforms.FormResponse) (formwatch.ResponseDocument, error) {
	stamp := r.LastSubmittedTime
	if stamp == "" {
		stamp = r.CreateTime
	}
	submitted, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return formwatch.ResponseDocument{}, fmt.Errorf("parse submission time %q: %w", stamp, err)
	}

	doc := formwatch.ResponseDocument{
		ID:          r.ResponseId,
		SubmittedAt: submitted,
		Answers:     make(map[string]formwatch.Answer, len(r.Answers)),
	}
	for qid, a := range r.Answers {
		ans := formwatch.Answer{QuestionID: qid}
		if a.TextAnswers != nil {
			for _, t := range a.TextAnswers.Answers {
				if t != nil {
					ans.Values = append(ans.Values, t.Value)
				}
			}
		}
		if a.FileUploadAnswers != nil {
			for _, f := range a.FileUploadAnswers.Answers {
				if f != nil {
					ans.Files = append(ans.Files, formwatch.File{ID: f.FileId, Name: f.FileName, MimeType: f.MimeType})
				}
			}
		}
		doc.Answers[qid] = ans
	}
	return doc, nil
}
