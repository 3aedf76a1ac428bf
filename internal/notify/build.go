package notify

import (
	"fmt"
	"io"

	"github.com/shizukutanaka/autosys/internal/config"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

// BuildRoutes creates a route for every enabled channel in cfg.
func BuildRoutes(cfg config.NotifyConfig) ([]Route, error) {
	routes := make([]Route, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if !ch.IsEnabled() {
			continue
		}
		var channel Channel
		switch ch.Type {
		case config.ChannelEmail:
			channel = NewEmailChannel(ch.Name, ch.Email)
		case config.ChannelTelegram:
			channel = NewTelegramChannel(ch.Name, ch.Telegram)
		case config.ChannelWebhook:
			channel = NewWebhookChannel(ch.Name, ch.Webhook)
		case config.ChannelKafka:
			channel = NewKafkaChannel(ch.Name, ch.Kafka)
		default:
			return nil, fmt.Errorf("unknown channel type %q", ch.Type)
		}
		routes = append(routes, Route{
			Channel:        channel,
			MinSeverity:    monitoring.Severity(ch.MinSeverity),
			NotifyResolved: ch.NotifyResolved,
		})
	}
	return routes, nil
}

// CloseRoutes closes channels that hold connections.
func CloseRoutes(routes []Route) error {
	var first error
	for _, r := range routes {
		if c, ok := r.Channel.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
