package notify

import (
	"context"
	"errors"
	"testing"
)

type capturePublisher struct {
	last Message
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, m Message) error {
	p.last = m
	return p.err
}

func TestDispatcherMessageShapes(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDispatcher(pub)
	ctx := context.Background()

	if err := d.SendWelcome(ctx, "a@b.c", "Alice"); err != nil {
		t.Fatalf("SendWelcome: %v", err)
	}
	if pub.last.Kind != KindWelcome || pub.last.To != "a@b.c" || pub.last.Name != "Alice" {
		t.Fatalf("welcome message: %+v", pub.last)
	}

	if err := d.SendPasswordReset(ctx, "a@b.c", "Alice", "tok-1"); err != nil {
		t.Fatalf("SendPasswordReset: %v", err)
	}
	if pub.last.Kind != KindPasswordReset || pub.last.Data["reset_token"] != "tok-1" {
		t.Fatalf("reset message: %+v", pub.last)
	}

	if err := d.SendLoginNotification(ctx, "a@b.c", "Alice", "10.0.0.1", "curl/8"); err != nil {
		t.Fatalf("SendLoginNotification: %v", err)
	}
	if pub.last.Data["ip"] != "10.0.0.1" || pub.last.Data["user_agent"] != "curl/8" {
		t.Fatalf("login message: %+v", pub.last)
	}

	if err := d.SendOTP(ctx, "a@b.c", "123456"); err != nil {
		t.Fatalf("SendOTP: %v", err)
	}
	if pub.last.Kind != KindOTP || pub.last.Data["code"] != "123456" {
		t.Fatalf("otp message: %+v", pub.last)
	}
}

func TestDispatcherPropagatesEnqueueError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub)
	if err := d.SendPasswordChanged(context.Background(), "a@b.c", "Alice"); err == nil {
		t.Fatal("want enqueue error")
	}
}

func TestLogMailerPublish(t *testing.T) {
	if err := (LogMailer{}).Publish(context.Background(), Message{Kind: KindWelcome, To: "a@b.c"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
