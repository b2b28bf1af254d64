// Package verify runs the theme-toggle verification procedure: load a local document, capture it,
// open the settings modal, flip the theme, assert the theme attribute and capture it again.
package verify

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kuitang/themecheck/internal/errs"
)

// Activation selects how the theme toggle is triggered.
type Activation string

const (
	// ActivationProgrammatic calls element.click() in the page. No pointer events, no
	// actionability checks; the toggle's handlers run even if the control is covered or hidden.
	ActivationProgrammatic Activation = "programmatic"
	// ActivationClick simulates a user click through the engine, which first waits for the
	// control to be visible, stable and hit-testable.
	ActivationClick Activation = "click"
)

// ParseActivation parses an activation mode name.
func ParseActivation(s string) (Activation, error) {
	switch Activation(strings.ToLower(strings.TrimSpace(s))) {
	case ActivationProgrammatic, "":
		return ActivationProgrammatic, nil
	case ActivationClick:
		return ActivationClick, nil
	default:
		return "", errs.New(errs.InvalidArgument, fmt.Sprintf("unknown activation %q (want programmatic or click)", s))
	}
}

// Selectors name the elements of the application under test.
type Selectors struct {
	SettingsButton string `json:"settings_button"`
	SettingsModal  string `json:"settings_modal"`
	ThemeToggle    string `json:"theme_toggle"`
	ThemeRoot      string `json:"theme_root"`
}

// Plan is the explicit configuration of one verification run.
type Plan struct {
	DocumentPath   string
	OutputDir      string
	Selectors      Selectors
	ThemeAttribute string
	InitialLabel   string
	ExpectedTheme  string
	Settle         time.Duration
	Activation     Activation
}

// DefaultPlan returns the plan for the stock settings-modal theme toggle.
func DefaultPlan() Plan {
	return Plan{
		DocumentPath: "index.html",
		OutputDir:    filepath.Join("jules-scratch", "verification"),
		Selectors: Selectors{
			SettingsButton: "#settings-button",
			SettingsModal:  "#settings-modal",
			ThemeToggle:    "#theme-toggle",
			ThemeRoot:      "body",
		},
		ThemeAttribute: "data-theme",
		InitialLabel:   "dark",
		ExpectedTheme:  "light",
		Settle:         500 * time.Millisecond,
		Activation:     ActivationProgrammatic,
	}
}

// Validate reports every missing or malformed field at once.
func (p Plan) Validate() error {
	var problems []string
	if strings.TrimSpace(p.DocumentPath) == "" {
		problems = append(problems, "document path is required")
	}
	if strings.TrimSpace(p.OutputDir) == "" {
		problems = append(problems, "output dir is required")
	}
	for name, sel := range map[string]string{
		"settings button selector": p.Selectors.SettingsButton,
		"settings modal selector":  p.Selectors.SettingsModal,
		"theme toggle selector":    p.Selectors.ThemeToggle,
		"theme root selector":      p.Selectors.ThemeRoot,
	} {
		if strings.TrimSpace(sel) == "" {
			problems = append(problems, name+" is required")
		}
	}
	if strings.TrimSpace(p.ThemeAttribute) == "" {
		problems = append(problems, "theme attribute is required")
	}
	if !validLabel(p.InitialLabel) {
		problems = append(problems, fmt.Sprintf("initial label %q must be a lowercase word", p.InitialLabel))
	}
	if !validLabel(p.ExpectedTheme) {
		problems = append(problems, fmt.Sprintf("expected theme %q must be a lowercase word", p.ExpectedTheme))
	}
	if p.Settle < 0 {
		problems = append(problems, "settle delay must not be negative")
	}
	if _, err := ParseActivation(string(p.Activation)); err != nil {
		problems = append(problems, errs.MessageOf(err))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errs.New(errs.InvalidArgument, "invalid plan: "+strings.Join(problems, "; "))
}

func validLabel(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

// DocumentURL resolves the document path against the working directory and returns its file:// URL.
func (p Plan) DocumentURL() (string, error) {
	abs, err := filepath.Abs(p.DocumentPath)
	if err != nil {
		return "", errs.Wrap(errs.Navigation, "resolve document path", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

// ArtifactName returns the file name for the ordinal-th screenshot, e.g. "01_dark_mode.png".
func ArtifactName(ordinal int, label string) string {
	return fmt.Sprintf("%02d_%s_mode.png", ordinal, label)
}

// ArtifactPaths returns the two screenshot paths the plan writes.
func (p Plan) ArtifactPaths() (initial, final string) {
	return filepath.Join(p.OutputDir, ArtifactName(1, p.InitialLabel)),
		filepath.Join(p.OutputDir, ArtifactName(2, p.ExpectedTheme))
}
