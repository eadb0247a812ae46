package captcha

import (
	"context"
	"strings"
)

// StubSolver answers every CAPTCHA with a fixed-length run of "A"
// characters. It exists so the CLI driver and tests have something to
// wire in place of the out-of-scope ML model (spec.md §6); it never
// produces a correct answer against the real upstream.
type StubSolver struct{}

func (StubSolver) Solve(_ context.Context, img Image) (string, error) {
	n := img.ExpectedLength
	if n <= 0 {
		n = 1
	}
	return strings.Repeat("A", n), nil
}
