package ocr

import "github.com/ycm360/cafemx/internal/model"

// ReviewThreshold is the confidence at or above which a ticket is processed
// without human review.
const ReviewThreshold = 0.8

// DeriveStatus maps a confidence to a ticket status using ReviewThreshold.
func DeriveStatus(confidence float64) model.TicketStatus {
	return StatusFor(confidence, ReviewThreshold)
}

// StatusFor maps a confidence to a ticket status using threshold.
func StatusFor(confidence, threshold float64) model.TicketStatus {
	if confidence >= threshold {
		return model.TicketProcessed
	}
	return model.TicketReviewNeeded
}
