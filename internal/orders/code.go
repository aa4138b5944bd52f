package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
)

const (
	MinCode = 100000000
	MaxCode = 999999999

	DefaultCodeAttempts = 5
)

var ErrCodeAllocationExhausted = errors.New("orders: order code allocation exhausted")

// CodeChecker reports whether an order code is already held by an order.
type CodeChecker interface {
	CodeExists(ctx context.Context, code int64) (bool, error)
}

// CodeGenerator draws random 9-digit order codes and retries on collision.
type CodeGenerator struct {
	Attempts int
	// Draw returns a candidate in [MinCode, MaxCode]. Nil uses math/rand/v2.
	Draw func() int64
}

func NewCodeGenerator(attempts int) *CodeGenerator {
	if attempts <= 0 {
		attempts = DefaultCodeAttempts
	}
	return &CodeGenerator{Attempts: attempts}
}

func (g *CodeGenerator) Allocate(ctx context.Context, checker CodeChecker) (int64, error) {
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = DefaultCodeAttempts
	}
	draw := g.Draw
	if draw == nil {
		draw = randomCode
	}
	for i := 0; i < attempts; i++ {
		code := draw()
		exists, err := checker.CodeExists(ctx, code)
		if err != nil {
			return 0, fmt.Errorf("check order code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrCodeAllocationExhausted, attempts)
}

func randomCode() int64 {
	return MinCode + rand.Int64N(MaxCode-MinCode+1)
}
