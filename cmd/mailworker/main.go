// Command mailworker drains the email task queue. Real deployments put an
// SMTP relay behind the handler; this binary logs each delivery so the queue
// can be exercised end to end without one.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"authgate.org/internal/notify"
	"authgate.org/internal/obs"
)

func main() {
	obs.Init()
	_ = godotenv.Load()

	url := os.Getenv("AUTHGATE_AMQP_URL")
	if url == "" {
		log.Fatal("mailworker: AUTHGATE_AMQP_URL is required")
	}
	name := os.Getenv("AUTHGATE_EMAIL_QUEUE")
	if name == "" {
		name = "email.send"
	}

	queue, err := notify.OpenQueue(url, name)
	if err != nil {
		log.Fatalf("mail queue: %v", err)
	}
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("Consuming %q", name)
	err = queue.Consume(ctx, deliver)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consume: %v", err)
	}
	log.Println("Stopped")
}

func deliver(m notify.Message) error {
	obs.Event("info", "mail delivered", map[string]any{
		"kind":      m.Kind,
		"to":        m.To,
		"queued_at": m.QueuedAt,
	})
	return nil
}
