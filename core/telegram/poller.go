package telegram

import (
	"fmt"
	"strings"
	"time"

	coreconfig "github.com/rwxkit/stagebot/core/config"
	tele "gopkg.in/telebot.v4"
)

const defaultLongPollTimeout = 10 * time.Second

// BuildPoller returns the Telebot poller selected by the run mode
// configuration: a webhook listener or a long poller with the
// configured timeout.
func BuildPoller(tg coreconfig.TelegramConfig, wh coreconfig.WebhookConfig) tele.Poller {
	if strings.ToLower(strings.TrimSpace(tg.RunMode)) == coreconfig.RunModeWebhook {
		return &tele.Webhook{
			Listen:   fmt.Sprintf("%s:%d", wh.Listen, wh.Port),
			Endpoint: &tele.WebhookEndpoint{PublicURL: wh.URL},
		}
	}

	timeout := defaultLongPollTimeout
	if tg.LongPollTimeoutSeconds > 0 {
		timeout = time.Duration(tg.LongPollTimeoutSeconds) * time.Second
	}
	return &tele.LongPoller{Timeout: timeout}
}
