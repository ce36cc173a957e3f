// Package model defines the shared domain types for the receipt
// reconciliation pipeline.
package model

import "time"

// FileLocation identifies which staging zone a file lives in.
type FileLocation string

const (
	LocationPending   FileLocation = "pending"
	LocationProcessed FileLocation = "processed"
)

// StagedFile describes one uploaded receipt sitting in the staging store.
type StagedFile struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	MimeType  string       `json:"mime_type"`
	Size      int64        `json:"size"`
	Location  FileLocation `json:"location"`
	CreatedAt time.Time    `json:"created_at"`
}

// Extraction is the structured result of one model analysis pass over a
// receipt. Amounts are in the smallest currency unit after rounding.
type Extraction struct {
	TransactionDate       string   `json:"transaction_date"`
	Vendor                string   `json:"vendor"`
	Description           string   `json:"description"`
	Memo                  string   `json:"memo"`
	Items                 []string `json:"items"`
	ItemsSummary          string   `json:"items_summary"`
	Amount                int64    `json:"amount"`
	Tax                   int64    `json:"tax"`
	SuggestedDebitAccount string   `json:"suggested_debit_account"`
}

// LedgerEntry is one double-entry accounting row. FileID is the
// idempotency key: the ledger holds at most one entry per staged file.
type LedgerEntry struct {
	ID                    int64     `json:"id,omitempty"`
	TransactionDate       string    `json:"transaction_date"`
	DebitAccount          string    `json:"debit_account"`
	DebitVendor           string    `json:"debit_vendor"`
	DebitAmount           int64     `json:"debit_amount"`
	DebitTax              int64     `json:"debit_tax"`
	DebitInvoiceCategory  string    `json:"debit_invoice_category"`
	CreditAccount         string    `json:"credit_account"`
	CreditVendor          string    `json:"credit_vendor"`
	CreditAmount          int64     `json:"credit_amount"`
	CreditTax             int64     `json:"credit_tax"`
	CreditInvoiceCategory string    `json:"credit_invoice_category"`
	Description           string    `json:"description"`
	Memo                  string    `json:"memo"`
	FileID                string    `json:"file_id"`
	FileName              string    `json:"file_name"`
	FileMimeType          string    `json:"file_mime_type"`
	ModelResponse         []byte    `json:"model_response,omitempty"`
	CreatedAt             time.Time `json:"created_at,omitempty"`
}

// ProcessingError is an append-only diagnostic record for a per-file
// failure. The pipeline writes these and never reads them back.
type ProcessingError struct {
	ID         string `json:"id"`
	FileID     string `json:"file_id"`
	FileName   string `json:"file_name,omitempty"`
	Message    string `json:"error_message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// RunSummary aggregates the outcome of one coordinator run.
type RunSummary struct {
	Total              int `json:"total"`
	Processed          int `json:"processed"`
	MovedToProcessed   int `json:"movedToProcessed"`
	SkippedExisting    int `json:"skippedExisting"`
	SkippedUnsupported int `json:"skippedUnsupported"`
	Errors             int `json:"errors"`
}
