package model

import "time"

// WebhookStatus is the terminal outcome of a single delivery attempt.
type WebhookStatus string

const (
	WebhookSuccess WebhookStatus = "SUCCESS"
	WebhookFailed  WebhookStatus = "FAILED"
)

// WebhookEvent is both the JSON envelope POSTed to the webhook target and the
// record kept in the delivery log. The POSTed body always says FAILED; the
// logged copy carries the outcome of the attempt.
type WebhookEvent struct {
	ID        string        `json:"id"`
	Event     string        `json:"event"`
	Payload   any           `json:"payload"`
	Status    WebhookStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// WebhookConfig is the single active delivery target.
type WebhookConfig struct {
	URL     string `json:"webhookUrl"`
	Enabled bool   `json:"isWebhookEnabled"`
}

// Active reports whether events should be delivered at all.
func (c WebhookConfig) Active() bool {
	return c.Enabled && c.URL != ""
}

// Payloads carried by webhook events.

type MessageSentHook struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
}

type NewMessageHook struct {
	Contact Contact `json:"contact"`
	Message Message `json:"message"`
}

const (
	HookMessageSent = "messageSent"
	HookNewMessage  = "newMessage"
)
