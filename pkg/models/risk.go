package models

// RiskLevel classifies the blast radius of a planned action.
// The order is total: RiskSafe < RiskLow < RiskMedium < RiskHigh.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
)

// String returns the canonical name of the level.
func (l RiskLevel) String() string {
	switch l {
	case RiskSafe:
		return "SAFE"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// RiskAssessment annotates a plan step ahead of execution.
type RiskAssessment struct {
	Level       RiskLevel `json:"level"`
	Destructive bool      `json:"destructive"`
	Reasons     []string  `json:"reasons,omitempty"`
}

// RequiresConfirmation reports whether the user must confirm the step.
func (a RiskAssessment) RequiresConfirmation() bool {
	return a.Level >= RiskMedium
}

// RequiresManualApproval reports whether an explicit approval token is needed.
func (a RiskAssessment) RequiresManualApproval() bool {
	return a.Level == RiskHigh
}
