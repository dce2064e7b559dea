//go:build windows

package tui

func bestEffortResetTTY() {}
