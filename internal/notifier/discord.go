package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/minershop/offer-sync/internal/models"
	"github.com/minershop/offer-sync/internal/util"
)

const (
	colorNewSell     = 3066993  // #2ECC71
	colorUpdatedSell = 3447003  // #3498DB
	colorNewBuy      = 15105570 // #E67E22
	colorUpdatedBuy  = 10181046 // #9B59B6

	maxEmbedsPerMessage = 10
	discordMaxRetries   = 3
)

// Discord posts offer events to a channel webhook.
type Discord struct {
	webhookURL  string
	client      *http.Client
	rateLimiter *rate.Limiter
	retryBase   time.Duration
}

// NewDiscord creates a Discord notifier. Webhooks allow roughly 5 requests per 2 seconds.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL:  webhookURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Every(400*time.Millisecond), 1),
		retryBase:   time.Second,
	}
}

// Publish sends the events as embeds, batched per Discord message.
func (c *Discord) Publish(ctx context.Context, events []models.OfferEvent) error {
	if c.webhookURL == "" || len(events) == 0 {
		return nil
	}
	for start := 0; start < len(events); start += maxEmbedsPerMessage {
		end := min(start+maxEmbedsPerMessage, len(events))
		embeds := make([]discordEmbed, 0, end-start)
		for _, ev := range events[start:end] {
			embeds = append(embeds, formatOfferEmbed(ev))
		}
		if _, err := c.send(ctx, discordWebhookPayload{Embeds: embeds}); err != nil {
			return err
		}
	}
	return nil
}

// Internal structures
type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func formatOfferEmbed(ev models.OfferEvent) discordEmbed {
	verb := "New"
	if ev.Type == models.EventOfferUpdated {
		verb = "Updated"
	}
	title := fmt.Sprintf("%s %s: %s", verb, ev.OperationType, ev.ProductModel)

	var description string
	if ev.SourceChatName != "" {
		description = "From " + ev.SourceChatName
	}

	var timestamp string
	if !ev.At.IsZero() {
		timestamp = ev.At.Format(time.RFC3339)
	}

	seller := ev.SellerName
	if ev.SellerPhone != "" {
		seller = fmt.Sprintf("%s (%s)", ev.SellerName, ev.SellerPhone)
	}

	fields := []discordEmbedField{
		{Name: "Price", Value: formatPrice(ev), Inline: true},
		{Name: "Quantity", Value: strconv.Itoa(ev.Quantity), Inline: true},
		{Name: "Seller", Value: seller},
	}
	if ev.Location != "" {
		fields = append(fields, discordEmbedField{Name: "Location", Value: ev.Location, Inline: true})
	}

	return discordEmbed{
		Title:       title,
		Description: description,
		Timestamp:   timestamp,
		Color:       embedColor(ev),
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: "offer " + ev.OfferID},
	}
}

func formatPrice(ev models.OfferEvent) string {
	if ev.Price == nil {
		return "on request"
	}
	return strings.TrimSpace(strconv.FormatFloat(*ev.Price, 'f', -1, 64) + " " + ev.Currency)
}

func embedColor(ev models.OfferEvent) int {
	updated := ev.Type == models.EventOfferUpdated
	switch {
	case ev.OperationType == models.OperationBuy && updated:
		return colorUpdatedBuy
	case ev.OperationType == models.OperationBuy:
		return colorNewBuy
	case updated:
		return colorUpdatedSell
	}
	return colorNewSell
}

// send posts the payload and returns the created message ID. Rate limits and server errors are retried.
func (c *Discord) send(ctx context.Context, payload discordWebhookPayload) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(c.webhookURL)
	if err != nil {
		return "", err
	}
	q := parsedURL.Query()
	q.Set("wait", "true")
	parsedURL.RawQuery = q.Encode()

	var messageID string
	err = util.RetryWithBackoff(ctx, discordMaxRetries, c.retryBase, func(attempt int) error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsedURL.String(), bytes.NewReader(payloadBytes))
		if err != nil {
			return fmt.Errorf("%w: %v", util.ErrPermanent, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		bodyBytes, _ := io.ReadAll(resp.Body)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var msgResponse discordMessageResponse
			if err := json.Unmarshal(bodyBytes, &msgResponse); err != nil {
				return fmt.Errorf("%w: decoding discord response: %v", util.ErrPermanent, err)
			}
			messageID = msgResponse.ID
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("discord status: %s, body: %s", resp.Status, string(bodyBytes))
		default:
			return fmt.Errorf("%w: discord status: %s, body: %s", util.ErrPermanent, resp.Status, string(bodyBytes))
		}
	})
	return messageID, err
}
