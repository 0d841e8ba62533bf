package model

// ReasonCode is the machine-readable reason attached to paused or failed records.
type ReasonCode string

const (
	ReasonNone                  ReasonCode = ""
	ReasonExtractionUnavailable ReasonCode = "extraction_unavailable"
	ReasonExtractionRejected    ReasonCode = "extraction_rejected"
	ReasonValidationFailed      ReasonCode = "validation_failed"
	ReasonIdentityAmbiguous     ReasonCode = "identity_ambiguous"
	ReasonPersistenceConflict   ReasonCode = "persistence_conflict"
	ReasonInternalError         ReasonCode = "internal_error"
)

// Decision is the identity-resolution outcome.
type Decision string

const (
	DecisionAutoLink  Decision = "AUTO_LINK"
	DecisionIntervene Decision = "INTERVENE"
	DecisionCreateNew Decision = "CREATE_NEW"
)

// Rank orders decisions by match strength (higher = stronger link).
func (d Decision) Rank() int {
	switch d {
	case DecisionAutoLink:
		return 2
	case DecisionIntervene:
		return 1
	default:
		return 0
	}
}
