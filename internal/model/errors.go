package model

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error categories surfaced in AgentRun.ErrorDetails.
const (
	CategoryStepTransaction              = "step_transaction"
	CategoryStepExecution                = "step_execution"
	CategoryRuntimeVerification          = "runtime_verification"
	CategoryHeavyValidation              = "heavy_validation"
	CategoryHeavyValidationExecution     = "heavy_validation_execution"
	CategoryCorrectionPolicy             = "correction_policy"
	CategoryRuntimeCorrectionLimit       = "runtime_correction_limit"
	CategoryHeavyValidationCorrectionLimit = "heavy_validation_correction_limit"
	CategoryRuntimeCorrectionConvergence = "runtime_correction_convergence"
	CategoryHeavyValidationConvergence   = "heavy_validation_convergence"
	CategoryExecutionLockLost            = "execution_lock_lost"
)

// Stable hard-failure codes.
const (
	CodeContractMismatch    = "CONTRACT_MISMATCH"
	CodeUnsupportedContract = "UNSUPPORTED_CONTRACT"
	CodeInvariantViolation  = "INVARIANT_VIOLATION"
)

var (
	ErrContractMismatch    = errors.New(CodeContractMismatch)
	ErrUnsupportedContract = errors.New(CodeUnsupportedContract)
	ErrExecutionLockLost   = errors.New("execution lock lost")
)

// RunError carries a taxonomy category through the kernel to the run record.
type RunError struct {
	Category string
	Code     string
	Message  string
	Details  map[string]any
	Cause    error
}

func (e *RunError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Category != "" {
		return fmt.Sprintf("%s: %s", e.Category, msg)
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Cause }

func NewRunError(category, message string) *RunError {
	return &RunError{Category: category, Message: message}
}

func WrapRunError(category string, cause error) *RunError {
	return &RunError{Category: category, Cause: cause}
}

// ErrorDetailsFor builds the structured errorDetails record persisted on a
// failed run. The shape is versioned; consumers match on category/code.
func ErrorDetailsFor(err error) (string, map[string]any) {
	details := map[string]any{
		"version": 1,
		"source":  "agent_kernel",
	}
	var re *RunError
	if errors.As(err, &re) {
		if re.Category != "" {
			details["category"] = re.Category
		}
		if re.Code != "" {
			details["code"] = re.Code
		}
		for k, v := range re.Details {
			details[k] = v
		}
	}
	msg := firstLine(err.Error())
	details["message"] = msg
	return msg, details
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
