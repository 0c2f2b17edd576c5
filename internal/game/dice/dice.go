// Package dice provides the randomness shared by every client in a room: a seedable
// Source, dice expressions and a logged Roller.
package dice

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Source is the randomness provider for dice rolls.
//
// Implementations MUST be safe for concurrent use.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

// Expression is a parsed dice expression such as "2d6+3" or "4d6kh3".
//
// Invariant: Count >= 1, Sides >= 2, 0 <= KeepHighest < Count.
type Expression struct {
	Raw         string
	Count       int
	Sides       int
	Modifier    int
	KeepHighest int
}

var exprPattern = regexp.MustCompile(`^(\d*)d(\d+)(?:kh(\d+))?([+-]\d+)?$`)

// Parse parses a dice expression. Supported forms: "d20", "2d6", "2d6+3", "4d8-2",
// "4d6kh3", "4d6kh3+1".
//
// Postcondition: Returns an Expression satisfying its invariant or a descriptive error.
func Parse(expr string) (Expression, error) {
	m := exprPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(expr)))
	if m == nil {
		return Expression{}, fmt.Errorf("dice: malformed expression %q", expr)
	}

	e := Expression{Raw: expr, Count: 1}
	var err error
	if m[1] != "" {
		if e.Count, err = strconv.Atoi(m[1]); err != nil || e.Count < 1 {
			return Expression{}, fmt.Errorf("dice: invalid die count in %q", expr)
		}
	}
	if e.Sides, err = strconv.Atoi(m[2]); err != nil || e.Sides < 2 {
		return Expression{}, fmt.Errorf("dice: invalid die sides in %q", expr)
	}
	if m[3] != "" {
		if e.KeepHighest, err = strconv.Atoi(m[3]); err != nil || e.KeepHighest < 1 || e.KeepHighest >= e.Count {
			return Expression{}, fmt.Errorf("dice: kh value in %q must be > 0 and < count %d", expr, e.Count)
		}
	}
	if m[4] != "" {
		if e.Modifier, err = strconv.Atoi(m[4]); err != nil {
			return Expression{}, fmt.Errorf("dice: invalid modifier in %q: %w", expr, err)
		}
	}
	return e, nil
}

// RollResult holds the audit trail of one roll.
//
// Postcondition: Total() == sum(Dice) + Modifier.
type RollResult struct {
	Expression string
	Dice       []int
	Modifier   int
}

// Total returns the sum of the kept dice plus the modifier.
func (r RollResult) Total() int {
	total := r.Modifier
	for _, d := range r.Dice {
		total += d
	}
	return total
}

// String renders the roll as "2d6+3 → [4 5] +3 = 12".
func (r RollResult) String() string {
	return fmt.Sprintf("%s → %v %+d = %d", r.Expression, r.Dice, r.Modifier, r.Total())
}

// Roll evaluates expr with src.
//
// Precondition: expr must come from Parse; src must be non-nil.
// Postcondition: len(Dice) == Count, or KeepHighest when it is set.
func Roll(expr Expression, src Source) RollResult {
	rolled := make([]int, expr.Count)
	for i := range rolled {
		rolled[i] = src.Intn(expr.Sides) + 1
	}
	if expr.KeepHighest > 0 {
		sort.Sort(sort.Reverse(sort.IntSlice(rolled)))
		rolled = rolled[:expr.KeepHighest]
	}
	return RollResult{Expression: expr.Raw, Dice: rolled, Modifier: expr.Modifier}
}
