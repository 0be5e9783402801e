package resolution

import (
	"testing"
)

func TestComputeStatementID(t *testing.T) {
	tests := []struct {
		Name        string
		Left, Right [4]string // entity, prop, value, dataset
		Equals      bool
	}{
		{
			Name:   "same",
			Left:   [4]string{"e1", "name", "John", "ds"},
			Right:  [4]string{"e1", "name", "John", "ds"},
			Equals: true,
		},
		{
			Name:  "value=different",
			Left:  [4]string{"e1", "name", "John", "ds"},
			Right: [4]string{"e1", "name", "Jon", "ds"},
		},
		{
			Name:  "dataset=different",
			Left:  [4]string{"e1", "name", "John", "ds1"},
			Right: [4]string{"e1", "name", "John", "ds2"},
		},
		{
			Name:  "shifted-boundary",
			Left:  [4]string{"ab", "c", "v", "ds"},
			Right: [4]string{"a", "bc", "v", "ds"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			l := ComputeStatementID(tt.Left[0], tt.Left[1], tt.Left[2], tt.Left[3])
			r := ComputeStatementID(tt.Right[0], tt.Right[1], tt.Right[2], tt.Right[3])
			if (l == r) != tt.Equals {
				t.Errorf("ComputeStatementID(%v) == ComputeStatementID(%v) is %v, want %v", tt.Left, tt.Right, l == r, tt.Equals)
			}
		})
	}
}

func TestStatementID_Text(t *testing.T) {
	id := ComputeStatementID("e1", "name", "John", "ds")
	parsed, err := ParseStatementID(id.String())
	if err != nil {
		t.Fatalf("ParseStatementID(%s): %v", id, err)
	}
	if parsed != id {
		t.Errorf("ParseStatementID(%s) = %s", id, parsed)
	}

	for _, bad := range []string{"", "abc", id.String()[:38] + "zz", id.String() + "00"} {
		if _, err := ParseStatementID(bad); err == nil {
			t.Errorf("ParseStatementID(%q) succeeded, want error", bad)
		}
	}
}
