package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/auth"
	"github.com/ycm360/cafemx/internal/export"
	"github.com/ycm360/cafemx/internal/model"
	"github.com/ycm360/cafemx/internal/ocr"
	"github.com/ycm360/cafemx/internal/store"
	"github.com/ycm360/cafemx/internal/tenant"
)

const (
	msgNameRequired   = "Nombre de cafetería es requerido"
	msgProvisionError = "Error al crear la cafetería"
	msgInvalidBody    = "Cuerpo de la solicitud inválido"
	msgInvalidPlan    = "Plan no válido"
	msgOCRFailed      = "OCR processing failed"
	msgInternal       = "Internal server error"
	msgNoExport       = "El plan actual no incluye exportación de tickets"
)

type provisionRequest struct {
	BusinessName string `json:"business_name"`
	Plan         string `json:"plan"`
	RFC          string `json:"rfc"`
}

func (s *server) handleProvision(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())

	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if strings.TrimSpace(req.BusinessName) == "" {
		writeError(w, http.StatusBadRequest, msgNameRequired)
		return
	}

	res, err := s.Tenants.Provision(r.Context(), model.ProvisionRequest{
		BusinessName: req.BusinessName,
		OwnerUserID:  id.UserID,
		OwnerEmail:   id.Email,
		TaxID:        req.RFC,
		Plan:         req.Plan,
	})
	if err != nil {
		var ve *tenant.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Message)
		case errors.Is(err, tenant.ErrUnknownPlan):
			writeError(w, http.StatusBadRequest, msgInvalidPlan)
		case errors.Is(err, tenant.ErrSlugExhausted):
			writeError(w, http.StatusConflict, tenant.ErrSlugExhausted.Error())
		default:
			zap.L().Error("api: provision failed", zap.String("user_id", id.UserID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, msgProvisionError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "client": res})
}

func (s *server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	needs, err := s.Tenants.NeedsOnboarding(r.Context(), id.UserID)
	if err != nil {
		zap.L().Error("api: onboarding status", zap.String("user_id", id.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "needs_onboarding": needs})
}

type ocrRequest struct {
	ImageURL      string `json:"imageUrl"`
	CafeteriaSlug string `json:"cafeteriaSlug"`
}

// ocrResultView is the subset of a recognition result returned to clients.
type ocrResultView struct {
	Date             *string         `json:"fecha"`
	Total            *float64        `json:"total"`
	Subtotal         *float64        `json:"subtotal"`
	Tax              *float64        `json:"iva"`
	IssuerTaxID      *string         `json:"rfc_emisor"`
	IssuerName       *string         `json:"nombre_emisor"`
	Description      *string         `json:"concepto"`
	Category         *model.Category `json:"categoria"`
	Confidence       float64         `json:"confidence"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	ValidationErrors []string        `json:"validation_errors"`
}

func viewOf(r *model.OCRResult) ocrResultView {
	errs := r.ValidationErrors
	if errs == nil {
		errs = []string{}
	}
	return ocrResultView{
		Date:             r.Date,
		Total:            r.Total,
		Subtotal:         r.Subtotal,
		Tax:              r.Tax,
		IssuerTaxID:      r.IssuerTaxID,
		IssuerName:       r.IssuerName,
		Description:      r.Description,
		Category:         r.Category,
		Confidence:       r.Confidence,
		ProcessingTimeMs: r.ProcessingTimeMs,
		ValidationErrors: errs,
	}
}

func (s *server) handleOCRProcess(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())

	var req ocrRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.ImageURL == "" || req.CafeteriaSlug == "" {
		writeError(w, http.StatusBadRequest, ocr.ErrMissingFields.Error())
		return
	}
	slug := r.Header.Get("X-Tenant-Slug")
	if slug == "" {
		slug = req.CafeteriaSlug
	}

	res, err := s.OCR.Process(r.Context(), ocr.ProcessRequest{
		UserID:   id.UserID,
		Slug:     slug,
		ImageURL: req.ImageURL,
	})
	if err != nil {
		if status, msg, ok := accessError(err); ok {
			writeError(w, status, msg)
			return
		}
		switch {
		case errors.Is(err, ocr.ErrMissingFields):
			writeError(w, http.StatusBadRequest, ocr.ErrMissingFields.Error())
		case errors.Is(err, ocr.ErrQuotaExceeded):
			writeError(w, http.StatusTooManyRequests, ocr.ErrQuotaExceeded.Error())
		default:
			zap.L().Error("api: ocr process failed", zap.String("slug", slug), zap.Error(err))
			writeError(w, http.StatusInternalServerError, msgOCRFailed)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"ticket_id":    res.TicketID,
		"ocr_result":   viewOf(res.Result),
		"needs_review": res.NeedsReview,
		"status":       res.Status,
	})
}

// accessError maps tenant access failures to a status and message.
func accessError(err error) (int, string, bool) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusNotFound, tenant.ErrTenantNotFound.Error(), true
	case errors.Is(err, tenant.ErrTenantInactive):
		return http.StatusForbidden, tenant.ErrTenantInactive.Error(), true
	case errors.Is(err, tenant.ErrAccessDenied):
		return http.StatusForbidden, tenant.ErrAccessDenied.Error(), true
	}
	return 0, "", false
}

// authorizeQuery resolves ?slug= (or X-Tenant-Slug) for a read endpoint and
// writes the error response itself when access is refused.
func (s *server) authorizeQuery(w http.ResponseWriter, r *http.Request, required model.Role) (*model.Tenant, bool) {
	id := auth.IdentityFrom(r.Context())
	slug := r.URL.Query().Get("slug")
	if slug == "" {
		slug = r.Header.Get("X-Tenant-Slug")
	}
	if slug == "" {
		writeError(w, http.StatusBadRequest, "Missing required query parameter: slug")
		return nil, false
	}

	t, _, err := s.Tenants.Authorize(r.Context(), id.UserID, slug, required)
	if err != nil {
		if status, msg, ok := accessError(err); ok {
			writeError(w, status, msg)
			return nil, false
		}
		zap.L().Error("api: authorize", zap.String("slug", slug), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return nil, false
	}
	return t, true
}

type usageTotals struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	t, ok := s.authorizeQuery(w, r, model.RoleAdmin)
	if !ok {
		return
	}

	var month time.Time
	switch m := r.URL.Query().Get("month"); m {
	case "":
		month = model.MonthStart(s.now())
	case "all":
	default:
		parsed, err := time.Parse("2006-01", m)
		if err != nil {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM or all")
			return
		}
		month = parsed
	}

	counters, err := s.Reports.GetUsage(r.Context(), t.ID, month)
	if err != nil {
		zap.L().Error("api: read usage", zap.String("tenant_id", t.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if counters == nil {
		counters = []model.UsageCounter{}
	}

	var totals usageTotals
	for _, c := range counters {
		totals.TotalRequests += c.TotalRequests
		totals.SuccessfulRequests += c.SuccessfulRequests
		totals.FailedRequests += c.FailedRequests
		totals.TotalCostUSD += c.TotalCostUSD
	}

	monthLabel := "all"
	if !month.IsZero() {
		monthLabel = month.Format("2006-01")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"slug":     t.Slug,
		"month":    monthLabel,
		"limit":    t.MaxTicketsPerMonth,
		"counters": counters,
		"totals":   totals,
	})
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	t, ok := s.authorizeQuery(w, r, model.RoleAdmin)
	if !ok {
		return
	}
	if !t.HasFeature("bulk_export") {
		writeError(w, http.StatusForbidden, msgNoExport)
		return
	}

	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "format must be xlsx or csv")
		return
	}
	filter := store.TicketFilter{Status: model.TicketStatus(q.Get("status"))}
	// to is inclusive for callers; the store treats it as an exclusive bound.
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(key); v != "" {
			d, err := time.Parse(time.DateOnly, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, key+" must be YYYY-MM-DD")
				return
			}
			if key == "to" {
				d = d.AddDate(0, 0, 1)
			}
			*dst = d
		}
	}

	tickets, err := s.Reports.ListTickets(r.Context(), t.SchemaName, filter)
	if err != nil {
		zap.L().Error("api: list tickets", zap.String("schema", t.SchemaName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, tickets); err != nil {
		zap.L().Error("api: render export", zap.String("schema", t.SchemaName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(t.Slug, format, s.now())+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
