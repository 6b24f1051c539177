package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/threadline/internal/capabilities"
)

const (
	ReadName  = "calendar-read"
	WriteName = "calendar-write"

	maxListedEvents = 25
)

type readArgs struct {
	Range string `json:"range,omitempty" jsonschema:"enum=today,enum=tomorrow,enum=week,enum=days,description=Window to read; defaults to today"`
	Days  int    `json:"days,omitempty" jsonschema:"minimum=1,maximum=31,description=Number of days ahead when range is days"`
	Query string `json:"query,omitempty" jsonschema:"description=Optional free-text filter"`
}

type writeArgs struct {
	Summary     string   `json:"summary" jsonschema:"minLength=1,description=Event title"`
	Start       string   `json:"start" jsonschema:"description=Start time as RFC 3339 or YYYY-MM-DDTHH:MM in the calendar time zone"`
	End         string   `json:"end,omitempty" jsonschema:"description=End time; defaults to one hour after start"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Attendees   []string `json:"attendees,omitempty" jsonschema:"description=Attendee email addresses"`
}

// ReadCapability exposes event lookup. A nil client yields a capability
// whose handler reports capabilities.ErrNotConfigured.
func ReadCapability(c *Client) capabilities.Capability {
	return capabilities.Capability{
		Name:        ReadName,
		Description: "List calendar events for today, tomorrow, the coming week or the next N days.",
		Schema:      capabilities.SchemaFor[readArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			if c == nil {
				return "", fmt.Errorf("calendar: %w", capabilities.ErrNotConfigured)
			}
			args, err := capabilities.DecodeArgs[readArgs](raw)
			if err != nil {
				return "", err
			}
			return c.describeRange(ctx, args)
		},
	}
}

// WriteCapability exposes event creation.
func WriteCapability(c *Client) capabilities.Capability {
	return capabilities.Capability{
		Name:        WriteName,
		Description: "Create a calendar event.",
		Schema:      capabilities.SchemaFor[writeArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			if c == nil {
				return "", fmt.Errorf("calendar: %w", capabilities.ErrNotConfigured)
			}
			args, err := capabilities.DecodeArgs[writeArgs](raw)
			if err != nil {
				return "", err
			}
			return c.create(ctx, args)
		},
	}
}

// Window returns the [from, to) interval and a label for a named range.
func (c *Client) Window(rangeName string, days int) (from, to time.Time, label string, err error) {
	now := c.now().In(c.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	switch rangeName {
	case "", "today":
		return today, today.AddDate(0, 0, 1), "today", nil
	case "tomorrow":
		start := today.AddDate(0, 0, 1)
		return start, start.AddDate(0, 0, 1), "tomorrow", nil
	case "week":
		return today, today.AddDate(0, 0, 7), "the next 7 days", nil
	case "days":
		if days <= 0 {
			days = 1
		}
		return today, today.AddDate(0, 0, days), fmt.Sprintf("the next %d days", days), nil
	default:
		return time.Time{}, time.Time{}, "", fmt.Errorf("unknown range %q", rangeName)
	}
}

func (c *Client) describeRange(ctx context.Context, args readArgs) (string, error) {
	from, to, label, err := c.Window(args.Range, args.Days)
	if err != nil {
		return "", err
	}
	events, err := c.ListEvents(ctx, from, to, maxListedEvents, args.Query)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("No events scheduled for %s.", label), nil
	}

	multiDay := to.Sub(from) > 24*time.Hour
	var b strings.Builder
	fmt.Fprintf(&b, "%d event(s) for %s:\n", len(events), label)
	for _, ev := range events {
		b.WriteString("- ")
		b.WriteString(formatWhen(ev, multiDay))
		b.WriteString(": ")
		b.WriteString(ev.Summary)
		if ev.Location != "" {
			fmt.Fprintf(&b, " (%s)", ev.Location)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func formatWhen(ev Event, withDate bool) string {
	switch {
	case ev.AllDay && withDate:
		return ev.Start.Format("Mon Jan 2") + " all day"
	case ev.AllDay:
		return "All day"
	case withDate:
		return ev.Start.Format("Mon Jan 2 3:04 PM")
	default:
		return ev.Start.Format("3:04 PM")
	}
}

var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", time.DateOnly}

// ParseTime accepts RFC 3339 or a local wall-clock time in the calendar's
// zone. A bare date means 09:00.
func (c *Client) ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(c.loc), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, c.loc); err == nil {
			if layout == time.DateOnly {
				t = t.Add(9 * time.Hour)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func (c *Client) create(ctx context.Context, args writeArgs) (string, error) {
	start, err := c.ParseTime(args.Start)
	if err != nil {
		return "", err
	}
	var end time.Time
	if args.End != "" {
		if end, err = c.ParseTime(args.End); err != nil {
			return "", err
		}
		if !end.After(start) {
			return "", fmt.Errorf("end %s is not after start %s", args.End, args.Start)
		}
	}

	ev, err := c.CreateEvent(ctx, NewEvent{
		Summary:     args.Summary,
		Description: args.Description,
		Location:    args.Location,
		Start:       start,
		End:         end,
		Attendees:   args.Attendees,
	})
	if err != nil {
		return "", err
	}

	out := fmt.Sprintf("Created %q on %s from %s to %s.",
		ev.Summary, ev.Start.Format("Mon Jan 2"), ev.Start.Format("3:04 PM"), ev.End.Format("3:04 PM"))
	if ev.Link != "" {
		out += " " + ev.Link
	}
	return out, nil
}
