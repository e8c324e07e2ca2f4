package sandbox

import (
	"fmt"
	"strings"
)

// Kind says what a test asserts, and so how its exit code is read.
type Kind int

const (
	// KindSolution tests check that a correct solution recovers the flag.
	KindSolution Kind = iota
	// KindStatus tests check that the service reports itself healthy.
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindSolution:
		return "solution"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "solution":
		return KindSolution, nil
	case "status":
		return KindStatus, nil
	}
	return 0, fmt.Errorf("unknown test kind %q", s)
}
