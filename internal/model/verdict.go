package model

// ValidationCheck is one named check inside a heavy-validation verdict.
type ValidationCheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
	Summary  string `json:"summary,omitempty"`
}

// ValidationFailure is one failure row from a validator. Message carries the
// raw diagnostic (e.g. "TS2307: Cannot find module '../dto/missing'").
type ValidationFailure struct {
	Check   string `json:"check"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationVerdict is the heavy-validation result the kernel consumes. The
// validator implementations themselves live outside this repository.
type ValidationVerdict struct {
	OK            bool                `json:"ok"`
	BlockingCount int                 `json:"blockingCount"`
	WarningCount  int                 `json:"warningCount"`
	Summary       string              `json:"summary"`
	Checks        []ValidationCheck   `json:"checks"`
	Failures      []ValidationFailure `json:"failures"`
	Logs          string              `json:"logs,omitempty"`
}

// ValidationMode gates light and heavy validation.
type ValidationMode string

const (
	ModeOff     ValidationMode = "off"
	ModeWarn    ValidationMode = "warn"
	ModeEnforce ValidationMode = "enforce"
)

func (m ValidationMode) Valid() bool {
	switch m {
	case ModeOff, ModeWarn, ModeEnforce:
		return true
	default:
		return false
	}
}
