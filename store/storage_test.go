package store

import "testing"

func TestInfoValid(t *testing.T) {
	tests := []struct {
		name     string
		info     *Info
		expected bool
	}{
		{"valid info", &Info{Identifier: "com.example.profile", UUID: "01FEBD58-42B6-4167-BF37-95E14D8F2D26", Version: 1}, true},
		{"empty Identifier", &Info{Identifier: "", UUID: "01FEBD58-42B6-4167-BF37-95E14D8F2D26", Version: 1}, false},
		{"empty UUID", &Info{Identifier: "com.example.profile", UUID: "", Version: 1}, false},
		{"zero Version", &Info{Identifier: "com.example.profile", UUID: "01FEBD58-42B6-4167-BF37-95E14D8F2D26"}, false},
		{"nil info", nil, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if valid := test.info.Valid(); valid != test.expected {
				t.Errorf("have: %v, want: %v", valid, test.expected)
			}
		})
	}
}
