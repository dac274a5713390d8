// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable, user-facing errors and a catalog of
// Markdown troubleshooting guides the CLI renders next to them.
package issue
