package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/reference"
)

// signatureHeader carries "sha256=<hex hmac-sha256>" over the body.
const signatureHeader = "X-Signature"

// Notification is the inventory envelope sent for each terminal scan.
// event_id is server-assigned so the receiver can deduplicate replays.
type Notification struct {
	EventID      string   `json:"event_id"`
	UUID         string   `json:"uuid"`
	SKU          string   `json:"sku,omitempty"`
	Status       string   `json:"status"`
	Visibility   string   `json:"visibility"`
	UpdatedAt    string   `json:"updated_at"`
	Price        float64  `json:"price,omitempty"`
	Name         string   `json:"name,omitempty"`
	Qty          int      `json:"qty"`
	CategoryName string   `json:"category_name,omitempty"`
	VariantTags  []string `json:"variant_tags"`
}

// Notifier delivers terminal scan outcomes to a downstream inventory
// system. Delivery is best effort: a failed post is logged and counted,
// never retried into the pipeline's critical path.
type Notifier struct {
	logger  arbor.ILogger
	url     string
	secret  []byte
	prices  *reference.Service
	client  *http.Client
	timeout time.Duration

	sent   atomic.Int64
	failed atomic.Int64
}

// NewNotifier creates a webhook notifier, or nil when no URL is
// configured. prices may be nil; notifications then omit the price.
func NewNotifier(logger arbor.ILogger, cfg *common.WebhookConfig, prices *reference.Service) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	timeout := common.MustDuration(cfg.Timeout)
	return &Notifier{
		logger:  logger,
		url:     cfg.URL,
		secret:  []byte(cfg.Secret),
		prices:  prices,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Subscribe attaches the notifier to terminal scan events.
func (n *Notifier) Subscribe(bus *events.Bus) error {
	return bus.Subscribe(events.TypeScanTerminal, n.onScanTerminal)
}

func (n *Notifier) onScanTerminal(ctx context.Context, e events.Event) error {
	job, ok := e.Payload.(*models.ScanJob)
	if !ok {
		return nil
	}
	if err := n.Notify(ctx, job); err != nil {
		n.logger.Warn().
			Err(err).
			Str("scan_id", job.ID).
			Str("url", n.url).
			Msg("Webhook delivery failed")
	}
	return nil
}

// buildNotification maps a terminal scan onto the inventory envelope.
// Only ACCEPTED scans become sellable (qty 1, active); every other
// terminal state ships as hidden with qty 0 so the receiver can track
// rejects without listing them.
func (n *Notifier) buildNotification(job *models.ScanJob) Notification {
	note := Notification{
		EventID:     common.NewEventID(),
		UUID:        job.ID,
		Status:      string(job.Status),
		Visibility:  "hidden",
		UpdatedAt:   job.UpdatedAt.UTC().Format(time.RFC3339),
		VariantTags: []string{},
	}

	if job.Status == models.StatusAccepted {
		note.Visibility = "active"
		note.Qty = 1
	}

	if job.Truth != nil {
		note.SKU = job.Truth.AcceptedCatalogID
		note.Name = job.Truth.AcceptedName
		note.CategoryName = job.Truth.AcceptedSetName
		if len(job.Truth.AcceptedVariantTags) > 0 {
			note.VariantTags = job.Truth.AcceptedVariantTags
		}
	} else if job.Extracted != nil {
		note.Name = job.Extracted.Name
		note.CategoryName = job.Extracted.SetName
		if tags := job.Extracted.VariantTags(); len(tags) > 0 {
			note.VariantTags = tags
		}
	}

	if n.prices != nil && note.SKU != "" {
		if price, ok := n.prices.ByCatalogID(note.SKU); ok {
			note.Price = float64(price.MarketCents) / 100
		}
	}
	return note
}

// Notify posts one terminal scan to the configured endpoint, signing the
// body with HMAC-SHA256 when a secret is set.
func (n *Notifier) Notify(ctx context.Context, job *models.ScanJob) error {
	body, err := json.Marshal(n.buildNotification(job))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		req.Header.Set(signatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.failed.Add(1)
		return models.WrapPipelineError(models.ErrCodeWebhookRejected, false, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.failed.Add(1)
		return models.NewPipelineError(models.ErrCodeWebhookRejected,
			fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	}

	n.sent.Add(1)
	n.logger.Debug().
		Str("scan_id", job.ID).
		Str("status", string(job.Status)).
		Msg("Webhook delivered")
	return nil
}

// Stats returns delivery counters for the status surface.
func (n *Notifier) Stats() (sent, failed int64) {
	return n.sent.Load(), n.failed.Load()
}

// Sign computes "sha256=<hex hmac-sha256>" of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature for body. Constant
// time, for use by receiving ends and tests.
func Verify(secret, body []byte, sig string) bool {
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}
