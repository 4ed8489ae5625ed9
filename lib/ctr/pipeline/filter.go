package pipeline

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/devyukine/rom-converto/lib/ctr/tmd"
)

// contentEnv exposes one TMD chunk to filter expressions.
type contentEnv struct {
	ID       uint32 `expr:"id"`
	Index    int    `expr:"index"`
	Size     int64  `expr:"size"`
	Optional bool   `expr:"optional"`
}

// ContentFilter selects which contents the decrypt pipeline transforms.
// Example expressions:
//   - "index == 0" (only the main content)
//   - "!optional" (skip DLC-style optional contents)
//   - "size < 64 * 1024 * 1024" (skip very large contents)
type ContentFilter struct {
	program    *vm.Program
	expression string
}

// NewContentFilter compiles a filter expression.
func NewContentFilter(expression string) (*ContentFilter, error) {
	program, err := expr.Compile(
		expression,
		expr.Env(contentEnv{}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}
	return &ContentFilter{program: program, expression: expression}, nil
}

// Expression returns the original expression string.
func (f *ContentFilter) Expression() string { return f.expression }

// Match evaluates the filter for a chunk. A nil filter matches
// everything.
func (f *ContentFilter) Match(c tmd.Chunk) (bool, error) {
	if f == nil {
		return true, nil
	}
	result, err := expr.Run(f.program, contentEnv{
		ID:       c.ID,
		Index:    int(c.Index),
		Size:     c.Size,
		Optional: c.Optional(),
	})
	if err != nil {
		return false, fmt.Errorf("filter evaluation failed: %w", err)
	}
	return result.(bool), nil
}
