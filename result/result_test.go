package result

import (
	"errors"
	"testing"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, Success},
		{"wrapped not found", Wrap(NotFound, "com.apple.driver.Foo", errors.New("no such kext")), NotFound},
		{"bare sentinel", New(BufferTooSmall, "mkext v1 entry table full"), BufferTooSmall},
		{"opaque error", errors.New("boom"), LoadError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := CodeOf(c.err); got != c.want {
				t.Errorf("CodeOf() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := New(NotFound, "com.apple.driver.Missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected errors.Is(err, ErrNotFound) to hold")
	}
}
