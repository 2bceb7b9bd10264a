package permit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleDetected is reported by hierarchy construction when the
	// configured parent links form a cycle.
	ErrCycleDetected = errors.New("module hierarchy: cycle detected")

	// ErrUnknownParent is reported when a module references a parent id
	// that is not part of the configuration.
	ErrUnknownParent = errors.New("module hierarchy: unknown parent")

	// ErrNoEvaluator is returned when a condition's kind has no registered
	// evaluator. The condition fails closed.
	ErrNoEvaluator = errors.New("condition: no evaluator registered for kind")

	// ErrConditionInactive is returned when an inactive condition is
	// referenced during evaluation. The condition fails closed.
	ErrConditionInactive = errors.New("condition: inactive")

	// ErrEvaluatorTimeout is returned when a delegated evaluator exceeds
	// its bounded timeout. The condition fails closed.
	ErrEvaluatorTimeout = errors.New("condition: evaluator timed out")
)

// ConfigError aggregates the validation problems of a rule set. A snapshot
// with any problem is refused outright; the resolver keeps serving its
// last-known-good snapshot.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
