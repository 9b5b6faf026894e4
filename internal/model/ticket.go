package model

import (
	"encoding/json"
	"time"
)

// Category is the closed set of expense categories a ticket may be filed under.
type Category string

const (
	CategorySupplies         Category = "insumos"
	CategoryServices         Category = "servicios"
	CategoryEquipment        Category = "equipos"
	CategoryMarketing        Category = "marketing"
	CategoryOperatingExpense Category = "gastos_operativos"
	CategoryOther            Category = "otros"
)

// Categories lists every valid Category.
var Categories = []Category{
	CategorySupplies,
	CategoryServices,
	CategoryEquipment,
	CategoryMarketing,
	CategoryOperatingExpense,
	CategoryOther,
}

// ParseCategory returns the Category for s, or false if s is not a member of the enum.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// TicketStatus is the downstream processing status derived from OCR confidence.
type TicketStatus string

const (
	TicketProcessed    TicketStatus = "processed"
	TicketReviewNeeded TicketStatus = "review_needed"
)

// OCRResult is one receipt-recognition attempt.
type OCRResult struct {
	Date             *string         `json:"fecha"`
	Total            *float64        `json:"total"`
	Subtotal         *float64        `json:"subtotal"`
	Tax              *float64        `json:"iva"`
	IssuerTaxID      *string         `json:"rfc_emisor"`
	IssuerName       *string         `json:"nombre_emisor"`
	Description      *string         `json:"concepto"`
	Category         *Category       `json:"categoria"`
	Confidence       float64         `json:"confidence"`
	Provider         string          `json:"api_provider"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	RawResponse      json.RawMessage `json:"raw_response,omitempty"`
	ValidationErrors []string        `json:"validation_errors"`
}

// Ticket is a persisted OCR result inside a tenant namespace.
type Ticket struct {
	ID         string       `json:"id"`
	SchemaName string       `json:"-"`
	ImageURL   string       `json:"image_url"`
	Result     OCRResult    `json:"ocr_result"`
	Status     TicketStatus `json:"status"`
	CreatedBy  string       `json:"created_by"`
	CreatedAt  time.Time    `json:"created_at"`
}

// UsageCounter aggregates OCR calls per tenant, calendar month, and provider.
type UsageCounter struct {
	TenantID           string    `json:"cliente_id"`
	Month              time.Time `json:"mes"`
	Provider           string    `json:"api_provider"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	TotalCostUSD       float64   `json:"total_cost_usd"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UsageDelta is a single increment applied to a UsageCounter.
type UsageDelta struct {
	TenantID   string
	Month      time.Time
	Provider   string
	Successful bool
	CostUSD    float64
}

// MonthStart truncates t to the first day of its calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
