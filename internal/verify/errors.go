package verify

import (
	"fmt"

	"github.com/kuitang/themecheck/internal/errs"
)

// Step names, in execution order.
const (
	StepLaunch         = "launch"
	StepNavigate       = "navigate"
	StepCaptureInitial = "capture_initial"
	StepOpenSettings   = "open_settings"
	StepWaitModal      = "wait_modal"
	StepSettle         = "settle"
	StepToggle         = "toggle"
	StepAssertTheme    = "assert_theme"
	StepCaptureFinal   = "capture_final"
)

// StepError records which step of the procedure failed. The coded cause stays reachable
// through Unwrap, so errs.CodeOf sees the engine's classification.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// MismatchError is the theme assertion failure.
type MismatchError struct {
	Selector  string
	Attribute string
	Expected  string
	Actual    string
	Present   bool
	Found     bool
}

func (e *MismatchError) Error() string {
	actual := fmt.Sprintf("%q", e.Actual)
	switch {
	case !e.Found:
		actual = "no element matched"
	case !e.Present:
		actual = "attribute absent"
	}
	return fmt.Sprintf("expected %s[%s] to be %q, got %s", e.Selector, e.Attribute, e.Expected, actual)
}

// asCoded wraps a mismatch so errs.CodeOf reports assertion_failed.
func (e *MismatchError) asCoded() error {
	return errs.Wrap(errs.AssertionFailed, "theme assertion failed", e)
}
