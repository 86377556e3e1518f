package worker

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrMalformedNumber is returned for input that is not a base-10 integer.
var ErrMalformedNumber = errors.New("malformed number")

// Calculator decides primality of the textual number.
type Calculator interface {
	IsPrime(number string) (bool, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(number string) (bool, error)

func (f CalculatorFunc) IsPrime(number string) (bool, error) { return f(number) }

// ProbablyPrime runs Baillie-PSW plus Rounds Miller-Rabin rounds on an
// arbitrary-precision integer. Negative numbers, zero and one are not prime.
type ProbablyPrime struct {
	Rounds    int
	MaxDigits int
}

// NewProbablyPrime returns the default calculator.
func NewProbablyPrime(maxDigits int) ProbablyPrime {
	return ProbablyPrime{Rounds: 61, MaxDigits: maxDigits}
}

func (c ProbablyPrime) IsPrime(number string) (bool, error) {
	s := strings.TrimSpace(number)
	if c.MaxDigits > 0 && len(strings.TrimLeft(s, "+-")) > c.MaxDigits {
		return false, fmt.Errorf("%w: more than %d digits", ErrMalformedNumber, c.MaxDigits)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrMalformedNumber, truncate(s, 64))
	}
	return n.ProbablyPrime(c.Rounds), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
