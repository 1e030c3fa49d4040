package gcal

import "github.com/linkshitup/link-broker/pkg/provider"

// gcalEvent is the wire shape of events.get / events.list items.
type gcalEvent struct {
	ID          string         `json:"id"`
	Summary     string         `json:"summary"`
	Description string         `json:"description"`
	Location    string         `json:"location"`
	Status      string         `json:"status"`
	HTMLLink    string         `json:"htmlLink"`
	Start       *gcalEventTime `json:"start"`
	End         *gcalEventTime `json:"end"`
	Attendees   []gcalAttendee `json:"attendees"`
	Organizer   *gcalAttendee  `json:"organizer"`
}

type gcalEventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
	TimeZone string `json:"timeZone"`
}

type gcalAttendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName"`
	ResponseStatus string `json:"responseStatus"`
}

func normalizeEvent(ev *gcalEvent, calendarID string, params provider.Params) provider.NormalizedEvent {
	out := provider.NormalizedEvent{
		ID:          ev.ID,
		Provider:    "gcal",
		CalendarID:  calendarID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
		HTMLLink:    ev.HTMLLink,
		Attendees:   make([]provider.Attendee, 0, len(ev.Attendees)),
	}

	if ev.Start != nil {
		out.Start = provider.EventTime{DateTime: ev.Start.DateTime, Date: ev.Start.Date, TimeZone: ev.Start.TimeZone}
	}
	if ev.End != nil {
		out.End = provider.EventTime{DateTime: ev.End.DateTime, Date: ev.End.Date, TimeZone: ev.End.TimeZone}
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, provider.Attendee{
			Email:          a.Email,
			Name:           a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}
	if ev.Organizer != nil {
		out.Organizer = &provider.Attendee{Email: ev.Organizer.Email, Name: ev.Organizer.DisplayName}
	}

	if wantRaw, _ := params["raw"].(bool); wantRaw {
		out.Raw = ev
	}
	return out
}
