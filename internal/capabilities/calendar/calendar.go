// Package calendar reads and creates Google Calendar events and exposes them
// as the calendar-read and calendar-write capabilities.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haasonsaas/threadline/internal/capabilities/google"
)

// DefaultBaseURL is the Google Calendar v3 REST endpoint.
const DefaultBaseURL = "https://www.googleapis.com/calendar/v3"

// Event is a calendar entry.
type Event struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Link        string
}

// NewEvent describes an event to create.
type NewEvent struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

// Client talks to one calendar.
type Client struct {
	http       *http.Client
	baseURL    string
	calendarID string
	loc        *time.Location
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a calendar client. httpClient must already carry OAuth
// credentials. An empty calendarID means "primary"; a nil loc means UTC.
func NewClient(httpClient *http.Client, calendarID string, loc *time.Location, opts ...Option) *Client {
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.UTC
	}
	c := &Client{
		http:       httpClient,
		baseURL:    DefaultBaseURL,
		calendarID: calendarID,
		loc:        loc,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type apiEvent struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
	Start       apiTime   `json:"start"`
	End         apiTime   `json:"end"`
	Attendees   []apiUser `json:"attendees,omitempty"`
}

type apiUser struct {
	Email string `json:"email"`
}

func (c *Client) eventsURL() string {
	return fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
}

// ListEvents returns single events starting in [from, to), ordered by start.
func (c *Client) ListEvents(ctx context.Context, from, to time.Time, max int, query string) ([]Event, error) {
	q := url.Values{}
	q.Set("timeMin", from.Format(time.RFC3339))
	q.Set("timeMax", to.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	if max > 0 {
		q.Set("maxResults", strconv.Itoa(max))
	}
	if query != "" {
		q.Set("q", query)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.eventsURL()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, google.DecodeError(resp)
	}

	var body struct {
		Items []apiEvent `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	events := make([]Event, 0, len(body.Items))
	for _, item := range body.Items {
		events = append(events, c.convert(item))
	}
	return events, nil
}

// CreateEvent inserts an event and returns the stored copy.
func (c *Client) CreateEvent(ctx context.Context, ev NewEvent) (Event, error) {
	if ev.End.IsZero() {
		ev.End = ev.Start.Add(time.Hour)
	}
	payload := apiEvent{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       apiTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: c.loc.String()},
		End:         apiTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: c.loc.String()},
	}
	for _, email := range ev.Attendees {
		payload.Attendees = append(payload.Attendees, apiUser{Email: email})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL(), bytes.NewReader(body))
	if err != nil {
		return Event{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("create event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Event{}, google.DecodeError(resp)
	}

	var created apiEvent
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return c.convert(created), nil
}

func (c *Client) convert(item apiEvent) Event {
	ev := Event{
		ID:          item.ID,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Link:        item.HTMLLink,
	}
	if ev.Summary == "" {
		ev.Summary = "Untitled event"
	}
	if item.Start.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
			ev.Start = t.In(c.loc)
		}
		if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.End = t.In(c.loc)
		}
		return ev
	}
	ev.AllDay = true
	if t, err := time.ParseInLocation(time.DateOnly, item.Start.Date, c.loc); err == nil {
		ev.Start = t
	}
	if t, err := time.ParseInLocation(time.DateOnly, item.End.Date, c.loc); err == nil {
		ev.End = t
	}
	return ev
}
