package models

import "time"

const (
	// BookingReferenceType is the reserved metadata type whose placeholder text is hidden at render time.
	BookingReferenceType = "booking_reference"
	// BookingPlaceholder is the text stored alongside a shared booking.
	BookingPlaceholder = "Shared a booking"
)

// SuppressContent reports whether the text should be hidden in favour of the structured reference.
func (m Message) SuppressContent() bool {
	return m.Metadata != nil && m.Metadata.Type == BookingReferenceType && m.Content == BookingPlaceholder
}

// DisplayContent returns the text to render. The stored content is never modified.
func (m Message) DisplayContent() string {
	if m.SuppressContent() {
		return ""
	}
	return m.Content
}

// DayGroup is a run of messages created on the same calendar day.
type DayGroup struct {
	Day      time.Time `json:"day"`
	Messages []Message `json:"messages"`
}

// GroupByDay splits ordered messages by calendar day in the viewer's location.
func GroupByDay(messages []Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, m := range messages {
		local := m.CreatedAt.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Day: day, Messages: []Message{m}})
	}
	return groups
}
