package parser

import (
	"strings"

	"github.com/settleline/recond/internal/model"
)

// MapStatus maps a vendor status string to the canonical transaction
// status. Unknown statuses map to PENDING; matching later stages treat a
// pending transaction conservatively.
func MapStatus(raw string) model.TransactionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "succeeded", "success", "settled", "paid", "captured":
		return model.StatusCompleted
	case "failed", "failure", "declined", "error":
		return model.StatusFailed
	case "cancelled", "canceled", "voided", "reversed":
		return model.StatusCancelled
	case "pending", "processing", "in_progress", "created", "authorized", "":
		return model.StatusPending
	default:
		return model.StatusPending
	}
}
