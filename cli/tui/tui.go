package tui

import (
	"fmt"
	"slices"
)

// Static view types.
const (
	ViewJob     = "job"
	ViewHistory = "history"
)

// Run starts the static view for viewType.
// Returns an error if the view type doesn't support TUI.
func Run(viewType string, data any) error {
	switch viewType {
	case ViewJob:
		return RunJobTUI(data)
	case ViewHistory:
		return RunStatsTUI(data)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}

// IsTUISupported returns true if the view type has a static TUI.
func IsTUISupported(viewType string) bool {
	return slices.Contains(SupportedTUIViews(), viewType)
}

// SupportedTUIViews returns the view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewJob, ViewHistory}
}
