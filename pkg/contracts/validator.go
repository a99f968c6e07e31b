package contracts

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. Struct-level rules cover the
// cross-field invariants tags cannot express.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(verifyResponseRules, VerifyResponse{})
	return v
}

// verifyResponseRules enforces: passed=false requires failure_analysis.
func verifyResponseRules(sl validator.StructLevel) {
	resp := sl.Current().Interface().(VerifyResponse)
	if resp.Passed != nil && !*resp.Passed && resp.FailureAnalysis == "" {
		sl.ReportError(resp.FailureAnalysis, "FailureAnalysis", "failure_analysis", "required_when_failed", "")
	}
}

func check(contract string, payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ContractValidationError{Contract: contract, Errors: []string{err.Error()}}
	}

	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		messages = append(messages, describeViolation(fe))
	}
	return &ContractValidationError{Contract: contract, Errors: messages}
}

func describeViolation(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: required field missing", fe.Namespace())
	case "required_when_failed":
		return fmt.Sprintf("%s: required when passed=false", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s: %q is not one of [%s]", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Param())
	case "min":
		return fmt.Sprintf("%s: must have at least %s entries", fe.Namespace(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s: must be >= %s, got %v", fe.Namespace(), fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s: must be <= %s, got %v", fe.Namespace(), fe.Param(), fe.Value())
	case "eq":
		return fmt.Sprintf("%s: must equal %q, got %q", fe.Namespace(), fe.Param(), fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s: failed rule %q", fe.Namespace(), fe.Tag())
	}
}

// ValidateTriageRequest validates a triage request payload.
func ValidateTriageRequest(r *TriageRequest) error { return check("triage_request", r) }

// ValidateTriageResponse validates a triage response payload.
func ValidateTriageResponse(r *TriageResponse) error { return check("triage_response", r) }

// ValidateInvestigateRequest validates an investigate request payload.
func ValidateInvestigateRequest(r *InvestigateRequest) error { return check("investigate_request", r) }

// ValidateInvestigateResponse validates an investigate response payload.
func ValidateInvestigateResponse(r *InvestigateResponse) error {
	return check("investigate_response", r)
}

// ValidateThreatHuntRequest validates a threat-hunt request payload.
func ValidateThreatHuntRequest(r *ThreatHuntRequest) error { return check("threat_hunt_request", r) }

// ValidateThreatHuntResponse validates a threat-hunt response payload.
func ValidateThreatHuntResponse(r *ThreatHuntResponse) error {
	return check("threat_hunt_response", r)
}

// ValidatePlanRequest validates a plan request payload.
func ValidatePlanRequest(r *PlanRequest) error { return check("plan_request", r) }

// ValidatePlanResponse validates a plan response payload.
func ValidatePlanResponse(r *PlanResponse) error { return check("plan_response", r) }

// ValidateExecuteRequest validates an execute request payload.
func ValidateExecuteRequest(r *ExecuteRequest) error { return check("execute_request", r) }

// ValidateExecuteResponse validates an execute response payload.
func ValidateExecuteResponse(r *ExecuteResponse) error { return check("execute_response", r) }

// ValidateVerifyRequest validates a verify request payload.
func ValidateVerifyRequest(r *VerifyRequest) error { return check("verify_request", r) }

// ValidateVerifyResponse validates a verify response payload.
func ValidateVerifyResponse(r *VerifyResponse) error { return check("verify_response", r) }
