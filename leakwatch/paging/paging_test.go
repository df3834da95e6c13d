package paging

import (
	"errors"
	"testing"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		skip, limit int
		ok          bool
	}{
		{0, 1, true},
		{0, DefaultLimit, true},
		{500, MaxLimit, true},
		{-1, 10, false},
		{0, 0, false},
		{0, MaxLimit + 1, false},
	}
	for _, tt := range tests {
		err := Validate("test", tt.skip, tt.limit)
		if tt.ok && err != nil {
			t.Errorf("Validate(%d, %d) = %v, want nil", tt.skip, tt.limit, err)
		}
		if !tt.ok && !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Validate(%d, %d) = %v, want validation error", tt.skip, tt.limit, err)
		}
	}
}
