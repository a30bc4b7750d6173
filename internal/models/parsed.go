package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParsedData is the AI-parsed view of a chat message.
type ParsedData struct {
	OperationType any         `json:"operationType"`
	Location      string      `json:"location"`
	Products      []Candidate `json:"products"`
}

// Candidate is one product entry of ParsedData before it is matched against storage.
type Candidate map[string]any

// ConsumedCandidateKeys are the candidate fields mapped onto first-class Offer columns.
// Everything else ends up in Offer.AdditionalData.
var ConsumedCandidateKeys = []string{
	"model",
	"price",
	"currency",
	"quantity",
	"condition",
	"location",
	"notes",
	"additionalConditions",
	"hashrate",
	"manufacturer",
}

// DecodeParsedData decodes a parsedData blob. A products value that is not a list yields no
// candidates; list entries that are not objects yield empty candidates, which carry no model.
func DecodeParsedData(raw []byte) (*ParsedData, error) {
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("parsedData is not a JSON object: %w", err)
	}

	pd := &ParsedData{
		OperationType: top["operationType"],
		Location:      stringify(top["location"]),
	}
	items, _ := top["products"].([]any)
	for _, item := range items {
		obj, _ := item.(map[string]any)
		pd.Products = append(pd.Products, Candidate(obj))
	}
	return pd, nil
}

// Has reports whether the key is present with a non-null value.
func (c Candidate) Has(key string) bool {
	v, ok := c[key]
	return ok && v != nil
}

// String returns the value under key as text; numbers and booleans are formatted, absent values are "".
func (c Candidate) String(key string) string {
	return stringify(c[key])
}

// Model returns the product model with surrounding whitespace removed.
func (c Candidate) Model() string {
	return strings.TrimSpace(c.String("model"))
}

// Notes returns notes, falling back to additionalConditions when notes is empty.
func (c Candidate) Notes() string {
	if n := c.String("notes"); n != "" {
		return n
	}
	return c.String("additionalConditions")
}

// Residual returns the fields not consumed by first-class columns, or nil when nothing is left.
func (c Candidate) Residual() map[string]any {
	rest := make(map[string]any, len(c))
	for k, v := range c {
		rest[k] = v
	}
	for _, k := range ConsumedCandidateKeys {
		delete(rest, k)
	}
	if len(rest) == 0 {
		return nil
	}
	return rest
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
