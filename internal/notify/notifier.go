// Package notify sends operator alerts through the Home Assistant notify
// service. Delivery failures are logged, never propagated: presence
// decisions must not stall on a flaky notification channel.
package notify

import (
	"homepresence/internal/ha"

	"go.uber.org/zap"
)

// Severity levels for alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notifier delivers alerts to the hub's notify service.
type Notifier struct {
	hub      ha.Client
	logger   *zap.Logger
	readOnly bool
}

// NewNotifier creates a notifier. In read-only mode alerts are logged but
// not delivered.
func NewNotifier(hub ha.Client, logger *zap.Logger, readOnly bool) *Notifier {
	return &Notifier{
		hub:      hub,
		logger:   logger.Named("notify"),
		readOnly: readOnly,
	}
}

// SendAlert delivers one alert. details may be nil.
func (n *Notifier) SendAlert(title, message, severity string, details map[string]interface{}) {
	fields := []zap.Field{
		zap.String("title", title),
		zap.String("severity", severity),
	}
	if details != nil {
		fields = append(fields, zap.Any("details", details))
	}

	if n.readOnly {
		n.logger.Info("Read-only mode, alert not delivered", fields...)
		return
	}

	data := map[string]interface{}{
		"title":   title,
		"message": message,
	}
	if details != nil {
		data["data"] = details
	}

	if err := n.hub.CallService("notify", "notify", data); err != nil {
		n.logger.Error("Failed to deliver alert", append(fields, zap.Error(err))...)
		return
	}

	n.logger.Info("Alert delivered", fields...)
}
