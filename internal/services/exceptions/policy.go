package exceptions

import (
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

type policy struct {
	resolutions []models.Resolution
	recommended models.Resolution
	severity    models.Severity
}

var policies = map[models.ExceptionType]policy{
	models.ExceptionOutOfStock: {
		[]models.Resolution{models.ResolutionRefund, models.ResolutionAlternativeSource, models.ResolutionStoreCredit},
		models.ResolutionRefund, models.SeverityMedium,
	},
	models.ExceptionDamaged: {
		[]models.Resolution{models.ResolutionRefund, models.ResolutionReplacement, models.ResolutionPartialRefundKeep, models.ResolutionStoreCredit},
		models.ResolutionReplacement, models.SeverityHigh,
	},
	models.ExceptionWrongItem: {
		[]models.Resolution{models.ResolutionReplacement, models.ResolutionRefund, models.ResolutionReturnToSender},
		models.ResolutionReplacement, models.SeverityHigh,
	},
	models.ExceptionCustomsHold: {
		[]models.Resolution{models.ResolutionPayDuties, models.ResolutionReturnToSender, models.ResolutionRefund},
		models.ResolutionPayDuties, models.SeverityHigh,
	},
	models.ExceptionLostInTransit: {
		[]models.Resolution{models.ResolutionRefund, models.ResolutionReplacement},
		models.ResolutionRefund, models.SeverityCritical,
	},
	models.ExceptionQualityCheckFailed: {
		[]models.Resolution{models.ResolutionRefund, models.ResolutionReplacement, models.ResolutionPartialRefundKeep, models.ResolutionAcceptAsIs},
		models.ResolutionRefund, models.SeverityMedium,
	},
	models.ExceptionAutomationFailed: {
		[]models.Resolution{models.ResolutionManualPlacement, models.ResolutionRefund, models.ResolutionAlternativeSource},
		models.ResolutionManualPlacement, models.SeverityMedium,
	},
	models.ExceptionRevisionRejected: {
		[]models.Resolution{models.ResolutionRefund, models.ResolutionAlternativeSource, models.ResolutionStoreCredit},
		models.ResolutionRefund, models.SeverityLow,
	},
	models.ExceptionRevisionExpired: {
		[]models.Resolution{models.ResolutionRefund, models.ResolutionStoreCredit},
		models.ResolutionRefund, models.SeverityLow,
	},
	models.ExceptionDeliveryFailed: {
		[]models.Resolution{models.ResolutionReturnToSender, models.ResolutionRefund},
		models.ResolutionReturnToSender, models.SeverityMedium,
	},
}

var severityOrder = []models.Severity{
	models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical,
}

var (
	bumpImpact     = decimal.NewFromInt(100)
	criticalImpact = decimal.NewFromInt(500)
)

// Classify returns the severity for a type given its financial impact: 100 or more raises it
// one level, 500 or more makes it critical.
func Classify(typ models.ExceptionType, impact decimal.Decimal) models.Severity {
	base := policies[typ].severity
	if base == "" {
		base = models.SeverityMedium
	}
	impact = impact.Abs()
	if impact.GreaterThanOrEqual(criticalImpact) {
		return models.SeverityCritical
	}
	if impact.GreaterThanOrEqual(bumpImpact) {
		for i, s := range severityOrder {
			if s == base && i+1 < len(severityOrder) {
				return severityOrder[i+1]
			}
		}
	}
	return base
}
