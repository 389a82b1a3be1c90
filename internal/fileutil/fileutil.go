// Package fileutil provides the file and path helpers shared by the service
// and the CLI: workspace directories, output file names and human-readable
// sizes and durations.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	defaultDirPermissions  = 0o750
	invalidCharReplacement = "_"
	fallbackName           = "audiobook"
	maxNameRunes           = 120
	workspacePattern       = "textlistens-*"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time and size formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
	formatGB        = "%.1f GB"
	formatMB        = "%.1f MB"
	formatKB        = "%.1f KB"
	formatBytes     = "%d B"
)

// Accepted input text extensions.
const (
	extTXT  = ".txt"
	extMD   = ".md"
	extText = ".text"
)

const errFmtFailedToCreateDir = "failed to create directory %s: %w"

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}
	}

	return nil
}

// NewWorkspace creates a fresh private directory under parent, or under the
// system temporary directory when parent is empty. The caller removes it.
func NewWorkspace(parent string) (string, error) {
	if parent != "" {
		err := EnsureDir(parent)
		if err != nil {
			return "", err
		}
	}

	dir, err := os.MkdirTemp(parent, workspacePattern)
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	return dir, nil
}

// FormatDuration formats a duration in a human-readable string (e.g., "1h 15m", "5m
// 30.5s", "45.2s").
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// FormatFileSize formats a file size in a human-readable string (e.g., "1.2 GB", "500.5
// MB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// IsValidTextFile checks if a filename has a plain text extension.
func IsValidTextFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case extTXT, extMD, extText:
		return true
	default:
		return false
	}
}

// SanitizeFilename turns a free-form title into a safe file name stem.
// Characters that are invalid in most filesystems and control characters
// become underscores; an empty result falls back to "audiobook".
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '_'
		}

		return r
	}, replacer.Replace(filename))

	cleaned = strings.Trim(strings.TrimSpace(cleaned), ".")

	runes := []rune(cleaned)
	if len(runes) > maxNameRunes {
		cleaned = strings.TrimSpace(string(runes[:maxNameRunes]))
	}

	if cleaned == "" {
		return fallbackName
	}

	return cleaned
}
