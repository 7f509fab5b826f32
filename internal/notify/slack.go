package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack posts notifications to an incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack builds a Slack sender for the given webhook URL
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

// slackColor maps a notification kind to Slack's sidebar colors
func slackColor(k Kind) string {
	switch k {
	case KindSuccess:
		return "good"
	case KindWarning:
		return "warning"
	case KindError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// Send posts the notification to the webhook
func (s *Slack) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	att := slackAttachment{
		Color:  slackColor(n.Kind),
		Text:   n.Message,
		Footer: "ticketsmith",
	}
	if n.Ticket != "" {
		att.Title = n.Ticket
	}
	if n.URL != "" {
		att.Text += "\n" + n.URL
	}

	payload, err := json.Marshal(slackMessage{Text: n.Title, Attachments: []slackAttachment{att}})
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
