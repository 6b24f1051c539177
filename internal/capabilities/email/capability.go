package email

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/threadline/internal/capabilities"
)

const (
	ReadName  = "email-read"
	WriteName = "email-write"

	defaultResults = 5
	maxResults     = 20
)

type readArgs struct {
	Query      string `json:"query,omitempty" jsonschema:"description=Gmail search query such as from:alice subject:invoice"`
	UnreadOnly bool   `json:"unread_only,omitempty" jsonschema:"description=Only return unread messages"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=1,maximum=20,description=Number of messages to return"`
}

type writeArgs struct {
	To      []string `json:"to" jsonschema:"minItems=1,description=Recipient email addresses"`
	Subject string   `json:"subject" jsonschema:"description=Subject line"`
	Body    string   `json:"body" jsonschema:"description=Plain text body"`
}

// SearchQuery builds the Gmail query for read arguments. Without a query
// it lists the inbox.
func SearchQuery(query string, unreadOnly bool) string {
	query = strings.TrimSpace(query)
	var parts []string
	if query != "" {
		parts = append(parts, query)
	}
	if unreadOnly {
		parts = append(parts, "is:unread")
	}
	if len(parts) == 0 {
		return "in:inbox"
	}
	return strings.Join(parts, " ")
}

// ReadCapability exposes mailbox search. A nil client yields a capability
// whose handler reports capabilities.ErrNotConfigured.
func ReadCapability(c *Client) capabilities.Capability {
	return capabilities.Capability{
		Name:        ReadName,
		Description: "Search the mailbox or list recent messages.",
		Schema:      capabilities.SchemaFor[readArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			if c == nil {
				return "", fmt.Errorf("email: %w", capabilities.ErrNotConfigured)
			}
			args, err := capabilities.DecodeArgs[readArgs](raw)
			if err != nil {
				return "", err
			}
			n := args.MaxResults
			if n <= 0 {
				n = defaultResults
			}
			n = min(n, maxResults)

			query := SearchQuery(args.Query, args.UnreadOnly)
			msgs, err := c.Search(ctx, query, n)
			if err != nil {
				return "", err
			}
			return formatMessages(query, msgs), nil
		},
	}
}

// WriteCapability exposes sending mail.
func WriteCapability(c *Client) capabilities.Capability {
	return capabilities.Capability{
		Name:        WriteName,
		Description: "Send a plain text email.",
		Schema:      capabilities.SchemaFor[writeArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			if c == nil {
				return "", fmt.Errorf("email: %w", capabilities.ErrNotConfigured)
			}
			args, err := capabilities.DecodeArgs[writeArgs](raw)
			if err != nil {
				return "", err
			}
			id, err := c.Send(ctx, Outgoing{To: args.To, Subject: args.Subject, Body: args.Body})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Sent %q to %s (message id %s).", args.Subject, strings.Join(args.To, ", "), id), nil
		},
	}
}

func formatMessages(query string, msgs []Message) string {
	if len(msgs) == 0 {
		return fmt.Sprintf("No messages found for %q.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s) for %q:\n", len(msgs), query)
	for i, m := range msgs {
		marker := ""
		if m.Unread {
			marker = " [unread]"
		}
		fmt.Fprintf(&b, "%d. %s from %s%s\n", i+1, m.Subject, m.From, marker)
		if m.Date != "" {
			fmt.Fprintf(&b, "   %s\n", m.Date)
		}
		if m.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", m.Snippet)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
