// SPDX-License-Identifier: MPL-2.0

// Package platform holds the operating system rules the agent enforces on
// request data regardless of the host it runs on.
package platform

import "strings"

// IsWindowsReservedName reports whether name is a device name Windows refuses
// as a file name, with or without an extension (e.g. "NUL", "com1.txt").
func IsWindowsReservedName(name string) bool {
	stem, _, _ := strings.Cut(strings.ToUpper(name), ".")
	stem = strings.TrimRight(stem, " ")
	switch stem {
	case "CON", "PRN", "AUX", "NUL", "CONIN$", "CONOUT$":
		return true
	}
	if len(stem) == 4 && (strings.HasPrefix(stem, "COM") || strings.HasPrefix(stem, "LPT")) {
		return stem[3] >= '1' && stem[3] <= '9'
	}
	return false
}
