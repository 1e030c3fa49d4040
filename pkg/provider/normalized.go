package provider

// Normalized response shapes shared by every adapter in a category. Fields a
// provider has no semantic analog for are left nil and omitted from JSON
// rather than defaulted. Raw preserves the untranslated payload when the
// caller asked for it.

// Address is a mail participant.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// MessageBody carries both renderings of a message body when available.
type MessageBody struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// Attachment describes one attachment without its content.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// NormalizedMessage is the common mail shape.
type NormalizedMessage struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId,omitempty"`
	Provider    string       `json:"provider"`
	Subject     string       `json:"subject"`
	Snippet     string       `json:"snippet,omitempty"`
	Body        *MessageBody `json:"body,omitempty"`
	From        Address      `json:"from"`
	To          []Address    `json:"to"`
	CC          []Address    `json:"cc,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"` // RFC 3339
	IsRead      bool         `json:"isRead"`
	Labels      []string     `json:"labels"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Raw         interface{}  `json:"raw,omitempty"`
}

// EventTime is a calendar boundary: either a timed instant or an all-day
// date, never both.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"` // RFC 3339
	Date     string `json:"date,omitempty"`     // YYYY-MM-DD
	TimeZone string `json:"timeZone,omitempty"`
}

// Attendee is a calendar participant.
type Attendee struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// NormalizedEvent is the common calendar shape.
type NormalizedEvent struct {
	ID          string      `json:"id"`
	Provider    string      `json:"provider"`
	CalendarID  string      `json:"calendarId"`
	Summary     string      `json:"summary"`
	Description string      `json:"description,omitempty"`
	Location    string      `json:"location,omitempty"`
	Start       EventTime   `json:"start"`
	End         EventTime   `json:"end"`
	Attendees   []Attendee  `json:"attendees"`
	Organizer   *Attendee   `json:"organizer,omitempty"`
	Status      string      `json:"status,omitempty"` // confirmed | tentative | cancelled
	HTMLLink    string      `json:"htmlLink,omitempty"`
	Raw         interface{} `json:"raw,omitempty"`
}

// NormalizedDocument is the common document-envelope shape.
type NormalizedDocument struct {
	ID        string      `json:"id"`
	Provider  string      `json:"provider"`
	Title     string      `json:"title"`
	Status    string      `json:"status,omitempty"`
	CreatedAt string      `json:"createdAt,omitempty"`
	UpdatedAt string      `json:"updatedAt,omitempty"`
	Raw       interface{} `json:"raw,omitempty"`
}

// PageOf wraps a page of normalized items.
type PageOf[T any] struct {
	Items              []T    `json:"items"`
	NextPageToken      string `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int    `json:"resultSizeEstimate,omitempty"`
}
