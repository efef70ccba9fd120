package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/pkg/anthropic"
)

// Standardizer maps raw spreadsheet rows to normalized records. It may
// return fewer rows than it was given (unparseable rows are dropped)
// but never more.
type Standardizer interface {
	Standardize(ctx context.Context, rows []model.RawRow) ([]NormalizedRow, error)
}

const standardizeSystem = `You convert messy contact spreadsheet rows into a fixed schema.
For each input row, output one object with the keys name, email, phone,
company, title, location, remarks and sheet. Map whatever columns fit;
concatenate anything unmappable into remarks. Use "" for missing values.
Drop rows that contain no contact information at all. Respond with a
JSON array only, no prose, in input order.`

// ClaudeStandardizer implements Standardizer with one Claude call per
// batch unit. A shared rate limiter bounds call volume across all
// concurrent processors.
type ClaudeStandardizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

// NewClaudeStandardizer creates a Standardizer on the given client.
func NewClaudeStandardizer(client anthropic.Client, modelID string, maxTokens int64, limiter *rate.Limiter) *ClaudeStandardizer {
	return &ClaudeStandardizer{
		client:    client,
		model:     modelID,
		maxTokens: maxTokens,
		limiter:   limiter,
	}
}

func (s *ClaudeStandardizer) Standardize(ctx context.Context, rows []model.RawRow) ([]NormalizedRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return nil, eris.Wrap(err, "standardize: marshal rows")
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "standardize: rate limit wait")
		}
	}

	temp := 0.0
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		System:      standardizeSystem,
		Temperature: &temp,
		Messages: []anthropic.Message{
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "standardize: create message")
	}
	resp.Usage.LogUsage(s.model, "standardize")

	normalized, err := parseNormalizedRows(resp.Text)
	if err != nil {
		return nil, err
	}

	// The contract is same-or-fewer cardinality; more means the model
	// invented records and the response cannot be trusted.
	if len(normalized) > len(rows) {
		return nil, eris.Errorf("standardize: got %d rows for %d inputs", len(normalized), len(rows))
	}
	return normalized, nil
}

func parseNormalizedRows(text string) ([]NormalizedRow, error) {
	text = cleanJSONArray(text)

	var rows []NormalizedRow
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		return nil, eris.Wrap(err, "standardize: parse response")
	}
	return rows, nil
}

// cleanJSONArray strips markdown fences and surrounding prose from a
// model response expected to be a JSON array.
func cleanJSONArray(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
