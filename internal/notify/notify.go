// Package notify turns domain events into email tasks. Delivery is
// asynchronous: the service process only enqueues messages, a separate
// worker consumes the queue and talks SMTP.
package notify

import (
	"context"
	"time"
)

// Message kinds understood by the email worker.
const (
	KindWelcome           = "welcome"
	KindPasswordReset     = "password_reset"
	KindLoginNotification = "login_notification"
	KindPasswordChanged   = "password_changed"
	KindOTP               = "otp"
)

// Message is the wire format of one email task.
type Message struct {
	Kind     string            `json:"kind"`
	To       string            `json:"to"`
	Name     string            `json:"name,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	QueuedAt time.Time         `json:"queued_at"`
}

// Publisher enqueues a message for the email worker.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}
