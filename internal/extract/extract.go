// Package extract turns receipt images and PDFs into structured fields by
// calling the vision model, with strict schema validation of the reply.
package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/resilience"
	"github.com/ledgerline/receipts-cli/pkg/anthropic"
)

// ErrExtraction marks a model analysis that failed on both attempts.
var ErrExtraction = eris.New("extract: analysis failed")

const basePrompt = `あなたは日本の経理担当者です。領収書や請求書の画像/PDFを読み取り、指定のJSONスキーマに沿って必ずJSONのみを出力してください。余分な文章やMarkdownは禁止です。
- 日付はYYYY-MM-DD
- amount, tax は整数（円）
- suggested_debit_account は会計の科目名を日本語で提案してください（例: 通信費）
- items は抽出できるときだけ配列で入れてください。なければ空配列。
- memo には注文番号や登録番号など補足を入れ、無ければ空文字
- description は店名＋主要品目の短い摘要

スキーマ:
{"transaction_date": string, "vendor": string, "items_summary": string, "items": [string], "amount": number, "tax": number, "suggested_debit_account": string, "description": string, "memo": string}`

// strictSuffix is appended on the retry attempt to force schema conformance.
const strictSuffix = "JSON だけを返してください。キーはスキーマと完全一致させ、型も厳守してください。"

const maxResponseTokens = 1024

// Result is the validated output of one analysis. Amounts stay as the
// model returned them; the caller rounds and applies the tax fallback.
type Result struct {
	TransactionDate       string
	Vendor                string
	Description           string
	Memo                  string
	Items                 []string
	ItemsSummary          string
	Amount                float64
	Tax                   float64
	SuggestedDebitAccount string
}

// Analyzer wraps the vision model with retry-once and schema validation.
type Analyzer struct {
	client anthropic.Client
	model  string
}

// NewAnalyzer creates an Analyzer calling the given model.
func NewAnalyzer(client anthropic.Client, model string) *Analyzer {
	return &Analyzer{client: client, model: model}
}

// Analyze sends the file to the model and parses the structured reply.
// A parse or validation failure triggers exactly one retry with a stricter
// instruction; if that fails too, the error wraps ErrExtraction and the
// caller is expected to record it and skip the file.
func (a *Analyzer) Analyze(ctx context.Context, data []byte, mimeType string) (*Result, map[string]any, error) {
	var (
		result *Result
		raw    map[string]any
	)

	attempt := 0
	err := resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts: 2,
		OnRetry: func(n int, err error) {
			zap.L().Warn("extract: retrying with strict prompt", zap.Error(err))
		},
	}, func(ctx context.Context) error {
		attempt++
		text, callErr := a.callModel(ctx, data, mimeType, attempt > 1)
		if callErr != nil {
			return callErr
		}
		parsed, rawMap, parseErr := parseResponse(text)
		if parseErr != nil {
			return parseErr
		}
		result = parsed
		raw = rawMap
		return nil
	})
	if err != nil {
		return nil, nil, eris.Wrap(ErrExtraction, err.Error())
	}
	return result, raw, nil
}

func (a *Analyzer) callModel(ctx context.Context, data []byte, mimeType string, strict bool) (string, error) {
	prompt := basePrompt
	if strict {
		prompt += "\n" + strictSuffix
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: maxResponseTokens,
		Messages: []anthropic.Message{
			{
				Role:    "user",
				Content: prompt,
				Attachment: &anthropic.Attachment{
					MediaType: mimeType,
					Data:      data,
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	text := resp.Text()
	if text == "" {
		return "", eris.New("extract: empty model response")
	}
	return text, nil
}

// wireExtraction mirrors the JSON schema. Pointer fields distinguish a
// missing key from a zero value for the required fields.
type wireExtraction struct {
	TransactionDate       *string  `json:"transaction_date"`
	Vendor                string   `json:"vendor"`
	ItemsSummary          string   `json:"items_summary"`
	Items                 []string `json:"items"`
	Amount                *float64 `json:"amount"`
	Tax                   float64  `json:"tax"`
	SuggestedDebitAccount string   `json:"suggested_debit_account"`
	Description           string   `json:"description"`
	Memo                  string   `json:"memo"`
}

func parseResponse(text string) (*Result, map[string]any, error) {
	cleaned := cleanJSON(text)

	var raw map[string]any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, nil, eris.Wrap(err, "extract: parse response JSON")
	}

	var wire wireExtraction
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, nil, eris.Wrap(err, "extract: decode response schema")
	}

	if wire.TransactionDate == nil || strings.TrimSpace(*wire.TransactionDate) == "" {
		return nil, nil, eris.New("extract: response missing transaction_date")
	}
	if wire.Amount == nil {
		return nil, nil, eris.New("extract: response missing amount")
	}

	items := wire.Items
	if items == nil {
		items = []string{}
	}

	return &Result{
		TransactionDate:       *wire.TransactionDate,
		Vendor:                wire.Vendor,
		Description:           wire.Description,
		Memo:                  wire.Memo,
		Items:                 items,
		ItemsSummary:          wire.ItemsSummary,
		Amount:                *wire.Amount,
		Tax:                   wire.Tax,
		SuggestedDebitAccount: wire.SuggestedDebitAccount,
	}, raw, nil
}

// cleanJSON strips markdown code fences and any chatter around the
// outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
