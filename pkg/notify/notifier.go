// Package notify pushes AIInsight events to an operator-facing chat channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// Insight is the subset of pkg/insight.Record a notifier needs to render a
// message, kept separate to avoid a dependency from notify to insight.
type Insight struct {
	Type        string // "pattern", "anomaly", or "recommendation"
	Service     string
	Endpoint    string
	Description string
	Confidence  float64
	CreatedAt   time.Time
}

// Notifier posts AIInsight events to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken or channel is empty, the
// notifier is disabled and PostInsight becomes a debug-log-only no-op —
// anomaly detection and threshold adaptation run the same either way.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a client and destination channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostInsight sends a formatted AIInsight notification to the configured
// channel. Only anomaly and recommendation insights are worth an operator's
// attention; pattern insights are recorded but not pushed.
func (n *Notifier) PostInsight(ctx context.Context, ins Insight) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping insight post",
			"type", ins.Type, "service", ins.Service, "endpoint", ins.Endpoint)
		return nil
	}

	emoji := insightEmoji(ins.Type)
	text := fmt.Sprintf("%s *%s* — `%s %s`\n%s (confidence %.0f%%)",
		emoji, titleCase(ins.Type), ins.Service, ins.Endpoint, ins.Description, ins.Confidence*100)

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting insight to slack: %w", err)
	}

	n.logger.Info("posted insight to slack", "type", ins.Type, "service", ins.Service, "endpoint", ins.Endpoint)
	return nil
}

func insightEmoji(insightType string) string {
	switch insightType {
	case "anomaly":
		return ":rotating_light:"
	case "recommendation":
		return ":bulb:"
	default:
		return ":chart_with_upwards_trend:"
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}
