package ocr

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/ycm360/cafemx/internal/model"
)

// Validation messages recorded on OCRResult.ValidationErrors.
const (
	MsgInvalidDate       = "Invalid date format"
	MsgInvalidTotal      = "Invalid total amount"
	MsgInvalidSubtotal   = "Invalid subtotal amount"
	MsgInvalidTax        = "Invalid IVA amount"
	MsgInvalidConfidence = "Invalid confidence value"
	MsgRFCFailed         = "RFC format validation failed"
	MsgTotalMismatch     = "Total calculation mismatch"
	MsgTaxInconsistent   = "IVA amount seems inconsistent with 16% rate"
)

const (
	// VATRate is the statutory Mexican IVA rate.
	VATRate = 0.16

	rfcPenalty        = 0.2
	totalPenalty      = 0.1
	totalTolerance    = 0.5
	taxToleranceRatio = 0.05
)

var rfcPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

// ValidRFC reports whether s, uppercased, has the shape of a Mexican RFC.
func ValidRFC(s string) bool {
	return rfcPattern.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}

// ParseReceiptDate parses a receipt date as YYYY-MM-DD or RFC 3339.
func ParseReceiptDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// validDateRange reports whether d lies in [start of the same day one year
// ago, now + 7 days].
func validDateRange(d, now time.Time) bool {
	now = now.UTC()
	oneYearAgo := time.Date(now.Year()-1, now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	oneWeekAhead := now.Add(7 * 24 * time.Hour)
	return !d.Before(oneYearAgo) && !d.After(oneWeekAhead)
}

// validate applies the field checks and cross-checks to r, appending messages
// to r.ValidationErrors and lowering confidence where the rules say so. It
// never fails.
func validate(r *model.OCRResult, payload map[string]any, now time.Time) {
	if r.Date != nil {
		d, ok := ParseReceiptDate(*r.Date)
		if !ok || !validDateRange(d, now) {
			r.ValidationErrors = append(r.ValidationErrors, MsgInvalidDate)
		}
	}

	checkAmount(r, payload, "total", MsgInvalidTotal)
	checkAmount(r, payload, "subtotal", MsgInvalidSubtotal)
	checkAmount(r, payload, "iva", MsgInvalidTax)

	if v, present := payload["confidence"]; present && v != nil {
		c, ok := v.(float64)
		if !ok || c < 0 || c > 1 {
			r.ValidationErrors = append(r.ValidationErrors, MsgInvalidConfidence)
		}
	}

	if r.IssuerTaxID != nil {
		if ValidRFC(*r.IssuerTaxID) {
			upper := strings.ToUpper(*r.IssuerTaxID)
			r.IssuerTaxID = &upper
		} else {
			r.IssuerTaxID = nil
			r.Confidence = math.Max(r.Confidence-rfcPenalty, 0)
			r.ValidationErrors = append(r.ValidationErrors, MsgRFCFailed)
		}
	}

	if r.Total != nil && r.Subtotal != nil && r.Tax != nil {
		total, sub, tax := *r.Total, *r.Subtotal, *r.Tax

		if math.Abs(sub+tax-total) > totalTolerance {
			r.Confidence = math.Max(r.Confidence-totalPenalty, 0)
			r.ValidationErrors = append(r.ValidationErrors, MsgTotalMismatch)
		}

		expectedTax := math.Round(sub*VATRate*100) / 100
		if math.Abs(tax-expectedTax) > sub*taxToleranceRatio {
			r.ValidationErrors = append(r.ValidationErrors, MsgTaxInconsistent)
		}
	}

	r.Confidence = clamp01(r.Confidence)
}

// checkAmount flags a key that is present and non-null but not a
// non-negative number.
func checkAmount(r *model.OCRResult, payload map[string]any, key, msg string) {
	v, present := payload[key]
	if !present || v == nil {
		return
	}
	if f, ok := v.(float64); !ok || f < 0 {
		r.ValidationErrors = append(r.ValidationErrors, msg)
	}
}
