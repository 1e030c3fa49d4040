package notify

import (
	"context"

	"github.com/linkshitup/link-broker/pkg/logx"
)

// ConsoleNotifier logs notices instead of sending them; the development
// default.
type ConsoleNotifier struct{}

func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{}
}

func (n *ConsoleNotifier) Notify(_ context.Context, msg Message) error {
	logx.WithFields(logx.Fields{
		"project_id": msg.ProjectID,
		"subject":    msg.Subject,
	}).Info(msg.Body)
	return nil
}
