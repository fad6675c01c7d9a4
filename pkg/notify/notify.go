// Package notify sends best-effort webhook notifications about bootstrap
// progress. A delivery failure is logged and otherwise ignored — no
// component blocks or errors because a notification could not be sent.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/metrics"
)

// Status values accepted by Notifier.Send, matching the icon keys expected
// in config.Notify.Icons (begin/info/success/failure/completed).
const (
	StatusBegin     = "begin"
	StatusInfo      = "info"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCompleted = "completed"
)

// Notifier delivers webhook notifications per the configured action/uri/body
// template.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
}

// New builds a Notifier from the notifications section of the config.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers one notification. It never returns an error to the caller:
// components should fire-and-forget notifications the way
// original_source/.../lib/notifications.py does.
func (n *Notifier) Send(ctx context.Context, status, message string) {
	if !n.cfg.Enabled {
		return
	}

	icon := n.cfg.Icons[status]
	body := make(map[string]string, len(n.cfg.Body))
	for k, v := range n.cfg.Body {
		v = strings.ReplaceAll(v, "{icon}", icon)
		v = strings.ReplaceAll(v, "{message}", message)
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		log.WithComponent("notify").Error().Err(err).Msg("failed to marshal notification body")
		metrics.NotificationsTotal.WithLabelValues(status, "marshal_error").Inc()
		return
	}

	method := strings.ToUpper(n.cfg.Action)
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, n.cfg.URI, bytes.NewReader(payload))
	if err != nil {
		log.WithComponent("notify").Error().Err(err).Msg("failed to build notification request")
		metrics.NotificationsTotal.WithLabelValues(status, "request_error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.WithComponent("notify").Warn().Err(err).Str("uri", n.cfg.URI).Msg("notification delivery failed")
		metrics.NotificationsTotal.WithLabelValues(status, "delivery_error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.WithComponent("notify").Warn().Int("status_code", resp.StatusCode).Msg("notification endpoint returned non-2xx")
		metrics.NotificationsTotal.WithLabelValues(status, fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return
	}

	metrics.NotificationsTotal.WithLabelValues(status, "ok").Inc()
}
