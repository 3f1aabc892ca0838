package tensor

import "fmt"

// ShapeError reports an operand whose dimensions do not fit the operation.
// The training loop treats it as recoverable at batch granularity.
type ShapeError struct {
	Op   string
	Want [2]int
	Got  [2]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor: %s: shape mismatch, want %dx%d, got %dx%d",
		e.Op, e.Want[0], e.Want[1], e.Got[0], e.Got[1])
}
