package postgres

import "testing"

func TestContains(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Payments", "%payments%"},
		{"50%", `%50\%%`},
		{"a_b", `%a\_b%`},
		{`dir\x`, `%dir\\x%`},
	}
	for _, tt := range tests {
		cond, arg := Contains("repository.repository_name", tt.in)
		if cond != `LOWER(repository.repository_name) LIKE ? ESCAPE '\'` {
			t.Fatalf("❌ unexpected condition %s", cond)
		}
		if arg != tt.want {
			t.Errorf("Contains(%q) arg = %q, want %q", tt.in, arg, tt.want)
		}
	}
}
