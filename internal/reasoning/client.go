// Package reasoning provides the boundary to the external reasoning engine
// used by the matching layer of last resort. The engine is untrusted and
// possibly unavailable: malformed or missing verdicts degrade to
// "no match", they never abort a batch.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/errors"
	"threeway-reconciliation-service/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

// Verdict is the structured answer for one (anchor, candidate) pair.
type Verdict struct {
	ShouldMatch bool     `json:"should_match"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation"`
	Flags       []string `json:"flags"`
}

// Known verdict flags passed through to review logic unchanged.
const (
	FlagCashNoInvoice      = "CASH_NO_INVOICE"
	FlagAmountDiscrepancy  = "AMOUNT_DISCREPANCY"
	FlagDateDiscrepancy    = "DATE_DISCREPANCY"
	FlagAggregatePayment   = "AGGREGATE_PAYMENT"
	FlagCounterpartyUnsure = "COUNTERPARTY_UNSURE"
)

// Client evaluates whether one anchor record and one candidate counterpart
// describe the same business event.
type Client interface {
	Evaluate(ctx context.Context, anchor, candidate *models.SourceRecord, businessContext string) (*Verdict, error)
}

// OpenAIClient asks a chat-completion model for verdicts in strict JSON.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	maxRetries int
	backoff    time.Duration
	log        logger.Logger
}

// NewOpenAIClient creates a reasoning client. An empty model selects GPT-4o.
func NewOpenAIClient(apiKey string, model string) *OpenAIClient {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIClient{
		client:     openai.NewClient(apiKey),
		model:      model,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        logger.WithComponent("reasoning_client"),
	}
}

const systemPrompt = `You are a financial reconciliation assistant. You are shown two records
from different systems (expense entries, bank statement movements, tax invoices) and must judge
whether they settle the same real-world payment. Consider amounts, dates, counterparties, and
descriptions. A bank withdrawal somewhat larger than an expense can be plausible petty cash.
Respond with strict JSON only, no prose, in this exact shape:
{"should_match": bool, "confidence": number between 0 and 1, "explanation": string, "flags": [string]}
Use flags such as CASH_NO_INVOICE, AMOUNT_DISCREPANCY, DATE_DISCREPANCY, AGGREGATE_PAYMENT when applicable.`

// Evaluate produces exactly one verdict for the given pair, retrying
// transient failures with backoff before giving up.
func (c *OpenAIClient) Evaluate(ctx context.Context, anchor, candidate *models.SourceRecord, businessContext string) (*Verdict, error) {
	prompt := buildPrompt(anchor, candidate, businessContext)

	var lastErr error
	delay := c.backoff

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: 0.1,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithFields(logger.Fields{
				"attempt": attempt,
				"anchor":  anchor.Ref().String(),
			}).Warn("reasoning call failed")

			select {
			case <-ctx.Done():
				return nil, errors.ExternalServiceError(errors.CodeReasoningUnavailable, "reasoning", ctx.Err())
			case <-time.After(delay):
				delay *= 2
			}
			continue
		}

		if len(resp.Choices) == 0 {
			return nil, errors.ExternalServiceError(errors.CodeMalformedVerdict, "reasoning", nil).
				WithContext("detail", "response contained no choices")
		}

		verdict, err := ParseVerdict(resp.Choices[0].Message.Content)
		if err != nil {
			return nil, err
		}
		return verdict, nil
	}

	return nil, errors.ExternalServiceError(errors.CodeReasoningUnavailable, "reasoning", lastErr)
}

// ParseVerdict decodes a strict-JSON verdict, tolerating surrounding
// markdown fences but nothing else. Confidence is clamped into [0, 0.99];
// the reasoning layer can never claim deterministic certainty.
func ParseVerdict(raw string) (*Verdict, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var verdict Verdict
	decoder := json.NewDecoder(strings.NewReader(raw))
	if err := decoder.Decode(&verdict); err != nil {
		return nil, errors.ExternalServiceError(errors.CodeMalformedVerdict, "reasoning", err).
			WithContext("raw", raw)
	}

	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 0.99 {
		verdict.Confidence = 0.99
	}

	return &verdict, nil
}

func buildPrompt(anchor, candidate *models.SourceRecord, businessContext string) string {
	var b strings.Builder

	b.WriteString("Anchor record:\n")
	writeRecord(&b, anchor)
	b.WriteString("\nCandidate record:\n")
	writeRecord(&b, candidate)

	if businessContext != "" {
		fmt.Fprintf(&b, "\nBusiness context: %s\n", businessContext)
	}

	b.WriteString("\nDo these two records settle the same payment?")
	return b.String()
}

func writeRecord(b *strings.Builder, rec *models.SourceRecord) {
	fmt.Fprintf(b, "- source: %s\n- amount: %s\n- date: %s\n", rec.Kind, rec.Amount, rec.DateKey())

	if rec.HasCounterparty() {
		fmt.Fprintf(b, "- counterparty: %s\n", rec.CounterpartyID)
	} else {
		b.WriteString("- counterparty: unknown\n")
	}

	if rec.Description != "" {
		fmt.Fprintf(b, "- description: %s\n", rec.Description)
	}

	// Line items and bank metadata ride along in the attribute bag; they
	// are evidence for the reasoning engine even though the deterministic
	// layers never look at them.
	if len(rec.Attributes) > 0 {
		if data, err := json.Marshal(rec.Attributes); err == nil {
			fmt.Fprintf(b, "- attributes: %s\n", data)
		}
	}
}
