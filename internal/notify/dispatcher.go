package notify

import (
	"context"

	"authgate.org/internal/auth"
)

// Dispatcher maps mail operations onto queue messages. It satisfies
// auth.Mailer; a returned error means the task could not be enqueued.
type Dispatcher struct {
	pub Publisher
}

var _ auth.Mailer = (*Dispatcher)(nil)

// NewDispatcher wraps a publisher.
func NewDispatcher(pub Publisher) *Dispatcher {
	return &Dispatcher{pub: pub}
}

func (d *Dispatcher) SendWelcome(ctx context.Context, to, name string) error {
	return d.pub.Publish(ctx, Message{Kind: KindWelcome, To: to, Name: name})
}

func (d *Dispatcher) SendPasswordReset(ctx context.Context, to, name, resetToken string) error {
	return d.pub.Publish(ctx, Message{
		Kind: KindPasswordReset,
		To:   to,
		Name: name,
		Data: map[string]string{"reset_token": resetToken},
	})
}

func (d *Dispatcher) SendLoginNotification(ctx context.Context, to, name, ip, userAgent string) error {
	return d.pub.Publish(ctx, Message{
		Kind: KindLoginNotification,
		To:   to,
		Name: name,
		Data: map[string]string{"ip": ip, "user_agent": userAgent},
	})
}

func (d *Dispatcher) SendPasswordChanged(ctx context.Context, to, name string) error {
	return d.pub.Publish(ctx, Message{Kind: KindPasswordChanged, To: to, Name: name})
}

func (d *Dispatcher) SendOTP(ctx context.Context, to, code string) error {
	return d.pub.Publish(ctx, Message{
		Kind: KindOTP,
		To:   to,
		Data: map[string]string{"code": code},
	})
}
