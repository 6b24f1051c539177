// Package email searches and sends mail through the Gmail REST API and
// exposes the email-read and email-write capabilities.
package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/threadline/internal/capabilities/google"
)

// DefaultBaseURL is the Gmail v1 endpoint for the authorized user.
const DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// Message is the header summary of one mail message.
type Message struct {
	ID      string
	From    string
	To      string
	Subject string
	Date    string
	Snippet string
	Unread  bool
}

// Outgoing is a plain-text message to send.
type Outgoing struct {
	To      []string
	Subject string
	Body    string
}

// Client reads and sends mail for one mailbox.
type Client struct {
	http    *http.Client
	baseURL string
	from    string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithFrom sets the From header on sent mail. Gmail fills in the
// authorized address when it is empty.
func WithFrom(addr string) Option {
	return func(c *Client) { c.from = addr }
}

// NewClient creates a Gmail client. httpClient must already carry OAuth
// credentials.
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	c := &Client{http: httpClient, baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type messageResponse struct {
	ID       string   `json:"id"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// Search returns up to max messages matching a Gmail search query, newest
// first.
func (c *Client) Search(ctx context.Context, query string, max int) ([]Message, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if max > 0 {
		q.Set("maxResults", strconv.Itoa(max))
	}

	var list listResponse
	if err := c.getJSON(ctx, "/messages?"+q.Encode(), &list); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		msg, err := c.Get(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Get fetches the headers and snippet of one message.
func (c *Client) Get(ctx context.Context, id string) (Message, error) {
	q := url.Values{}
	q.Set("format", "metadata")
	for _, h := range []string{"From", "To", "Subject", "Date"} {
		q.Add("metadataHeaders", h)
	}

	var resp messageResponse
	if err := c.getJSON(ctx, "/messages/"+url.PathEscape(id)+"?"+q.Encode(), &resp); err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}

	msg := Message{ID: resp.ID, Snippet: resp.Snippet}
	for _, h := range resp.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			msg.From = h.Value
		case "to":
			msg.To = h.Value
		case "subject":
			msg.Subject = h.Value
		case "date":
			msg.Date = h.Value
		}
	}
	for _, label := range resp.LabelIDs {
		if label == "UNREAD" {
			msg.Unread = true
		}
	}
	if msg.Subject == "" {
		msg.Subject = "(no subject)"
	}
	return msg, nil
}

// ErrNoRecipients is returned by Send when To is empty.
var ErrNoRecipients = errors.New("email: at least one recipient is required")

// Send delivers a plain-text message and returns the Gmail message id.
func (c *Client) Send(ctx context.Context, out Outgoing) (string, error) {
	if len(out.To) == 0 {
		return "", ErrNoRecipients
	}
	for _, addr := range out.To {
		if _, err := mail.ParseAddress(addr); err != nil {
			return "", fmt.Errorf("email: invalid recipient %q: %w", addr, err)
		}
	}

	raw := base64.RawURLEncoding.EncodeToString(c.buildRFC822(out))
	body, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", google.DecodeError(resp)
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	return sent.ID, nil
}

func (c *Client) buildRFC822(out Outgoing) []byte {
	var b bytes.Buffer
	if c.from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", c.from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(out.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", out.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(out.Body, "\n", "\r\n"))
	return b.Bytes()
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return google.DecodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
