// Package captcha implements the fetch -> solve -> verify pipeline that
// produces a short-lived verified token. The Solver is the out-of-scope
// collaborator (spec.md §6): an ML model lives behind this interface in
// production, but the pipeline itself never knows or cares how a solution
// is produced.
package captcha

import (
	"context"
	"time"

	"github.com/jharrington22/konsulathunt/internal/classify"
)

// Image is a freshly generated CAPTCHA challenge.
type Image struct {
	ID             string // opaque imageToken
	Bytes          []byte
	ExpectedLength int
}

// VerifiedToken is a short-lived, single-use-in-practice token produced by
// a correct CAPTCHA answer.
type VerifiedToken struct {
	Value    string
	Duration time.Duration // wall-clock time spent solving, for Stats
}

// Solver answers a CAPTCHA image with a string of printable characters of
// the expected length. Its internals (ML model) are out of scope.
type Solver interface {
	Solve(ctx context.Context, img Image) (string, error)
}

// APIClient is the narrow slice of the API Client the pipeline needs. A
// *client.Client satisfies this by virtue of having matching methods.
type APIClient interface {
	GenerateCaptcha(ctx context.Context) (Image, error)
	VerifyCaptcha(ctx context.Context, imageToken, solution string) (string, error)
}

// Pipeline is stateless between calls; it never caches or reuses tokens.
type Pipeline struct {
	Client APIClient
	Solver Solver
}

// SolveVerified runs the full fetch -> solve -> verify flow and returns a
// fresh verified token. Cancellation at any step aborts promptly and the
// underlying error propagates unchanged (classification happens one layer
// up, in the Search Loop).
func (p Pipeline) SolveVerified(ctx context.Context) (VerifiedToken, error) {
	start := time.Now()

	img, err := p.Client.GenerateCaptcha(ctx)
	if err != nil {
		return VerifiedToken{}, err
	}
	if err := ctx.Err(); err != nil {
		return VerifiedToken{}, err
	}

	solution, err := p.Solver.Solve(ctx, img)
	if err != nil {
		return VerifiedToken{}, err
	}
	if err := ctx.Err(); err != nil {
		return VerifiedToken{}, err
	}

	token, err := p.Client.VerifyCaptcha(ctx, img.ID, solution)
	if err != nil {
		return VerifiedToken{}, err
	}
	if token == "" {
		return VerifiedToken{}, &classify.UpstreamError{
			Endpoint: "captcha-verify",
			Reason:   "captcha not accepted",
		}
	}

	return VerifiedToken{Value: token, Duration: time.Since(start)}, nil
}
