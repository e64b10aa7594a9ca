// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "github.com/charmbracelet/lipgloss"

// Check-outcome styles for the doctor checklist. All colors use
// lipgloss ANSI 256-color codes for broad terminal compatibility;
// lipgloss strips them automatically when stdout is not a terminal,
// so callers can apply these unconditionally.
var (
	StylePass  = lipgloss.NewStyle().Foreground(lipgloss.Color("114")) // green
	StyleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("220")) // amber
	StyleFail  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	StyleSkip  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	StyleFixed = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))  // blue
)
