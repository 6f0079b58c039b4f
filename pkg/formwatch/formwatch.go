// Package formwatch contains the core domain types for the form response notification service.
package formwatch

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// RecurrenceKind selects how a watch is rescheduled after each poll.
type RecurrenceKind string

const (
	// RecurDaily fires once a day at a fixed UTC time of day.
	RecurDaily RecurrenceKind = "daily"
	// RecurInterval fires every IntervalHours hours counted from Anchor.
	RecurInterval RecurrenceKind = "interval"
)

// Recurrence is the schedule of a watch.
type Recurrence struct {
	Kind          RecurrenceKind `json:"kind"`
	TimeOfDay     string         `json:"time_of_day,omitempty"`    // "15:04:05", UTC
	IntervalHours int            `json:"interval_hours,omitempty"` // Only for RecurInterval
	Anchor        time.Time      `json:"anchor,omitempty"`         // First tick origin for RecurInterval
}

// Key identifies a watch by its natural (form, destination) pair.
type Key struct {
	FormID        string
	DestinationID string
}

func (k Key) String() string {
	return k.FormID + "|" + k.DestinationID
}

// WatchRecord is a standing subscription delivering one form's new responses to one destination.
type WatchRecord struct {
	ID            string     `json:"id"`
	FormID        string     `json:"form_id"`
	FormTitle     string     `json:"form_title"` // Cached at watch time, refreshed on every poll
	DestinationID string     `json:"destination_id"`
	GuildID       string     `json:"guild_id"`
	Recurrence    Recurrence `json:"recurrence"`
	Since         time.Time  `json:"since"` // Responses strictly after this are undelivered
	When          time.Time  `json:"when"`  // Next due wake-up
	Mentions      []string   `json:"mentions,omitempty"`
	NotifyEmpty   bool       `json:"notify_empty,omitempty"`
	NoticeRef     string     `json:"notice_ref,omitempty"` // Last "no new responses" message, for in-place edits
	CreatedAt     time.Time  `json:"created_at"`
}

// Key returns the natural key of the record.
func (r *WatchRecord) Key() Key {
	return Key{FormID: r.FormID, DestinationID: r.DestinationID}
}

// Before reports whether r is due before o, breaking ties by ID.
func (r *WatchRecord) Before(o *WatchRecord) bool {
	if !r.When.Equal(o.When) {
		return r.When.Before(o.When)
	}
	return r.ID < o.ID
}

// File is one uploaded file attached to an answer.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Answer holds every value submitted for one question.
type Answer struct {
	QuestionID string   `json:"question_id"`
	Values     []string `json:"values,omitempty"`
	Files      []File   `json:"files,omitempty"`
}

// ResponseDocument is one submission to a form.
type ResponseDocument struct {
	ID          string            `json:"id"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Answers     map[string]Answer `json:"answers"`
}

// QuestionKind is the subset of question shapes that affect rendering.
type QuestionKind string

const (
	QuestionText       QuestionKind = "text"
	QuestionChoice     QuestionKind = "choice"
	QuestionFileUpload QuestionKind = "file_upload"
	QuestionScale      QuestionKind = "scale"
	QuestionDate       QuestionKind = "date"
	QuestionTime       QuestionKind = "time"
	QuestionRating     QuestionKind = "rating"
	QuestionOther      QuestionKind = "other"
)

// Option is one choice of a choice question.
type Option struct {
	Value   string `json:"value"`
	IsOther bool   `json:"is_other,omitempty"`
}

// Question is a single answerable question.
type Question struct {
	ID        string       `json:"id"`
	Title     string       `json:"title,omitempty"` // Row title inside a group
	Kind      QuestionKind `json:"kind"`
	Paragraph bool         `json:"paragraph,omitempty"`
	Options   []Option     `json:"options,omitempty"`
	Low       int          `json:"low,omitempty"`
	High      int          `json:"high,omitempty"`
	LowLabel  string       `json:"low_label,omitempty"`
	HighLabel string       `json:"high_label,omitempty"`
}

// Item is one entry of a form: either a single question or a group sharing one heading.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Question    *Question  `json:"question,omitempty"`
	Group       []Question `json:"group,omitempty"`
}

// QuestionIDs lists the question IDs the item answers to.
func (it *Item) QuestionIDs() []string {
	if len(it.Group) > 0 {
		ids := make([]string, 0, len(it.Group))
		for _, q := range it.Group {
			ids = append(ids, q.ID)
		}
		return ids
	}
	if it.Question != nil {
		return []string{it.Question.ID}
	}
	return nil
}

// FormSchema is the question structure of a form.
type FormSchema struct {
	FormID      string `json:"form_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Items       []Item `json:"items"`
}

// Page is one bounded display unit.
type Page struct {
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Footer    string    `json:"footer,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Size is the page length across every text field, in characters.
func (p Page) Size() int {
	return utf8.RuneCountInString(p.Title) + utf8.RuneCountInString(p.Content) + utf8.RuneCountInString(p.Footer)
}

// Message is one delivery to a destination.
type Message struct {
	Mentions []string
	Pages    []Page
}

// FileURL is the retrieval link for an uploaded file.
func FileURL(fileID string) string {
	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", fileID)
}
