package models

// RiskResult is the tri-state outcome of a pre-trade check.
type RiskResult string

const (
	RiskPassed  RiskResult = "PASSED"
	RiskWarning RiskResult = "WARNING"
	RiskFailed  RiskResult = "FAILED"
)

// Severity classifies a single violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// RiskViolation is one itemized rule breach.
type RiskViolation struct {
	Rule         string
	Message      string
	CurrentValue float64
	LimitValue   float64
	Severity     Severity
}

// RiskCheckResponse contains the result of a pre-trade risk check.
type RiskCheckResponse struct {
	Result     RiskResult
	Violations []RiskViolation
}

// Approved reports whether the signal may proceed. Warnings are advisory.
func (r *RiskCheckResponse) Approved() bool {
	return r.Result != RiskFailed
}

// Errors returns only the blocking violations.
func (r *RiskCheckResponse) Errors() []RiskViolation {
	var out []RiskViolation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// HasRule reports whether a violation for rule was recorded.
func (r *RiskCheckResponse) HasRule(rule string) bool {
	for _, v := range r.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
