// SPDX-License-Identifier: MPL-2.0

package platform

import "testing"

func TestIsWindowsReservedName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{"NUL", true},
		{"nul", true},
		{"con.txt", true},
		{"COM1", true},
		{"lpt9.log", true},
		{"AUX.tar.gz", true},
		{"COM0", false},
		{"COM10", false},
		{"console", false},
		{"data.json", false},
		{"nullable.sh", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsWindowsReservedName(tt.name); got != tt.want {
				t.Errorf("IsWindowsReservedName(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
