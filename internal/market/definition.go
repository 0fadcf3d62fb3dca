// Package market owns market records: definition validation, creation,
// snapshots and listings.
package market

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/atmx/prediction-ledger/internal/model"
)

// Length bounds for market text and option labels.
const (
	MaxTextLen  = 300
	MaxLabelLen = 80

	// MaxDuration bounds how far in the future a deadline may be.
	MaxDuration = 365 * 24 * time.Hour
)

// Definition is a request to open a market. Exactly one of Deadline and
// DurationMinutes must be set; a duration is measured from creation time.
type Definition struct {
	Text            string     `json:"text"`
	Label1          string     `json:"label_1"`
	Label2          string     `json:"label_2"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	AutoGenerated   bool       `json:"auto_generated"`
	ChannelID       string     `json:"channel_id,omitempty"`
}

func invalid(field, constraint string) error {
	return model.Reject(model.ErrInvalidMarket, field, constraint)
}

// Normalize trims whitespace in place.
func (d *Definition) Normalize() {
	d.Text = strings.TrimSpace(d.Text)
	d.Label1 = strings.TrimSpace(d.Label1)
	d.Label2 = strings.TrimSpace(d.Label2)
	d.ChannelID = strings.TrimSpace(d.ChannelID)
}

// Validate checks the definition against now and returns the deadline to
// store.
func (d *Definition) Validate(now time.Time) (time.Time, error) {
	switch {
	case d.Text == "":
		return time.Time{}, invalid("text", "must not be empty")
	case utf8.RuneCountInString(d.Text) > MaxTextLen:
		return time.Time{}, invalid("text", "must be at most 300 characters")
	case d.Label1 == "":
		return time.Time{}, invalid("label_1", "must not be empty")
	case d.Label2 == "":
		return time.Time{}, invalid("label_2", "must not be empty")
	case utf8.RuneCountInString(d.Label1) > MaxLabelLen:
		return time.Time{}, invalid("label_1", "must be at most 80 characters")
	case utf8.RuneCountInString(d.Label2) > MaxLabelLen:
		return time.Time{}, invalid("label_2", "must be at most 80 characters")
	case strings.EqualFold(d.Label1, d.Label2):
		return time.Time{}, invalid("label_2", "must differ from label_1")
	}

	var deadline time.Time
	switch {
	case d.Deadline != nil && d.DurationMinutes != 0:
		return time.Time{}, invalid("deadline", "set either deadline or duration_minutes, not both")
	case d.Deadline != nil:
		deadline = d.Deadline.UTC()
	case d.DurationMinutes > 0:
		deadline = now.Add(time.Duration(d.DurationMinutes) * time.Minute)
	case d.DurationMinutes < 0:
		return time.Time{}, invalid("duration_minutes", "must be positive")
	default:
		return time.Time{}, invalid("deadline", "is required")
	}

	if !deadline.After(now) {
		return time.Time{}, invalid("deadline", "must be in the future")
	}
	if deadline.Sub(now) > MaxDuration {
		return time.Time{}, invalid("deadline", "must be within 365 days")
	}
	return deadline, nil
}
