package notify

import (
	"context"
	"encoding/json"

	"authgate.org/internal/obs"
)

// LogMailer writes mail tasks to the process log instead of a broker.
// Used when no AMQP URL is configured, and in tests.
type LogMailer struct{}

// Publish implements Publisher.
func (LogMailer) Publish(_ context.Context, m Message) error {
	line, err := json.Marshal(struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
		Message
	}{Level: "info", Msg: "mail task", Message: m})
	if err != nil {
		return err
	}
	obs.Logger().Println(string(line))
	return nil
}
