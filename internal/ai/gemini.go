package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/minershop/offer-sync/internal/models"
	"github.com/minershop/offer-sync/internal/util"
)

const (
	maxRetries = 3
	retryBase  = time.Second
)

type Client struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewClient returns a nil client when no key is provided.
func NewClient(ctx context.Context, apiKey, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{
		client: client,
		model:  modelID,
		config: &genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](0.1),
			ResponseMIMEType: "application/json",
			ResponseSchema:   parsedDataSchema(),
		},
	}, nil
}

func parsedDataSchema() *genai.Schema {
	str := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc, Nullable: genai.Ptr(true)}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"operationType": {
				Type:        genai.TypeString,
				Enum:        []string{"SELL", "BUY"},
				Description: "SELL when the author offers hardware, BUY when they are looking for it.",
			},
			"location": str("Where the hardware is located, if stated for the whole message."),
			"products": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"model":        str("Exact model name as written, e.g. \"S19j Pro 104T\"."),
						"manufacturer": str("Manufacturer, e.g. Bitmain, MicroBT, Canaan."),
						"hashrate":     str("Hashrate with unit, e.g. \"104TH/s\"."),
						"price": {
							Type:        genai.TypeNumber,
							Description: "Unit price as a number without currency symbols.",
							Nullable:    genai.Ptr(true),
						},
						"currency": str("ISO currency code, e.g. USD, RUB, CNY."),
						"quantity": {
							Type:        genai.TypeInteger,
							Description: "Number of units.",
							Nullable:    genai.Ptr(true),
						},
						"condition": str("new, used or refurbished."),
						"location":  str("Where this particular item is located."),
						"notes":     str("Anything else relevant to this item."),
					},
					Required: []string{"model"},
				},
			},
		},
		Required: []string{"operationType", "products"},
	}
}

// Parse extracts offers from a free-form chat message.
func (c *Client) Parse(ctx context.Context, content string) (*models.ParsedData, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}

	prompt := fmt.Sprintf(`
You read messages from crypto mining hardware trading chats.
Extract every miner offered or requested in this message:
"""
%s
"""

Rules:
1. One entry in "products" per distinct model. Keep the model string exactly as written.
2. Prices are per unit. Leave price null when no price is given ("call", "DM").
3. Do not invent values; use null for anything not stated.
4. If the message contains no hardware, return an empty "products" list.

Output JSON adhering to the schema.
`, content)

	var text string
	err := util.RetryWithBackoff(ctx, maxRetries, retryBase, func(attempt int) error {
		resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), c.config)
		if err != nil {
			slog.Warn("Gemini generation failed", "attempt", attempt, "error", err)
			return fmt.Errorf("gemini generation failed: %w", err)
		}
		text = resp.Text()
		if text == "" {
			return fmt.Errorf("%w: no text in gemini response", util.ErrPermanent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return decodeResponse(text)
}

func decodeResponse(text string) (*models.ParsedData, error) {
	jsonStr := stripCodeFence(text)
	pd, err := models.DecodeParsedData([]byte(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse gemini response: %w", err)
	}
	return pd, nil
}

// stripCodeFence removes the markdown fence models sometimes wrap JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
