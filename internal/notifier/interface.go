package notifier

import "arbor/internal/logger"

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so components can depend on it without
// importing concrete implementations.
type TextNotifier interface {
	SendText(text string) error
}

// LogNotifier writes notifications to the log. It is the fallback when
// no external channel is configured.
type LogNotifier struct{}

func (LogNotifier) SendText(text string) error {
	logger.Infof("notify: %s", text)
	return nil
}
