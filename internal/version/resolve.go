package version

import (
	"fmt"

	"github.com/kartikbazzad/tabflow/internal/models"
)

// Resolved is one concrete outcome of resolving an atom. Exists is false when
// a relative reference walks past the oldest entry; callers must tolerate
// that (bootstrap runs have no history yet).
type Resolved struct {
	ID     string
	Exists bool
}

// Resolve evaluates the expression against a table's history, given as data
// version ids in natural order, oldest first. Canceled/yanked versions must
// already be filtered out by the caller.
//
// Singles yield exactly one Resolved (possibly absent). Lists yield the
// existing referenced versions in declaration order. Ranges expand to the
// inclusive sequence of existing entries between the endpoints, oldest first.
// A fixed id that is not part of the history is an error.
func (e Expr) Resolve(history []string) ([]Resolved, error) {
	switch e.Shape {
	case ShapeSingle:
		r, err := resolveAtom(e.Atoms[0], history)
		if err != nil {
			return nil, err
		}
		return []Resolved{r}, nil

	case ShapeList:
		out := make([]Resolved, 0, len(e.Atoms))
		for _, a := range e.Atoms {
			r, err := resolveAtom(a, history)
			if err != nil {
				return nil, err
			}
			if r.Exists {
				out = append(out, r)
			}
		}
		return out, nil

	case ShapeRange:
		lo, hi, err := e.rangeBounds(history)
		if err != nil {
			return nil, err
		}
		if lo < 0 || hi < 0 || lo > hi {
			return nil, nil
		}
		out := make([]Resolved, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			out = append(out, Resolved{ID: history[i], Exists: true})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown expression shape", models.ErrInvalidVersionExpr)
}

// rangeBounds resolves both endpoints to history indexes and orders them
// oldest first. An endpoint that walks past the oldest entry clamps to the
// start of history.
func (e Expr) rangeBounds(history []string) (int, int, error) {
	if len(history) == 0 {
		return -1, -1, nil
	}
	idx := make([]int, 2)
	for i, a := range e.Atoms {
		j, err := atomIndex(a, history)
		if err != nil {
			return 0, 0, err
		}
		if j < 0 && a.Kind == AtomHead {
			j = 0
		}
		idx[i] = j
	}
	lo, hi := idx[0], idx[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

func resolveAtom(a Atom, history []string) (Resolved, error) {
	i, err := atomIndex(a, history)
	if err != nil {
		return Resolved{}, err
	}
	if i < 0 {
		return Resolved{}, nil
	}
	return Resolved{ID: history[i], Exists: true}, nil
}

func atomIndex(a Atom, history []string) (int, error) {
	switch a.Kind {
	case AtomHead:
		return len(history) - 1 - a.Back, nil
	case AtomFixed:
		for i, id := range history {
			if id == a.ID {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: version %s not in table history", models.ErrUnsatisfiableRef, a.ID)
	}
	return 0, fmt.Errorf("%w: unknown atom", models.ErrInvalidVersionExpr)
}
