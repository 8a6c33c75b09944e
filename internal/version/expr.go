// Package version parses and resolves symbolic table version expressions:
// HEAD, HEAD^, HEAD~N, fixed 26-char ids, comma lists and .. ranges.
package version

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/kartikbazzad/tabflow/internal/models"
)

const (
	// maxCarets bounds trailing ^ back-steps on HEAD.
	maxCarets = 10
	// maxTildeDigits bounds the digits of N in HEAD~N.
	maxTildeDigits = 7
	// FixedIDLen is the length of a fixed version identifier (a ULID).
	FixedIDLen = 26
)

// AtomKind tags a single version reference.
type AtomKind int

const (
	// AtomHead is HEAD with Back steps backward in history.
	AtomHead AtomKind = iota
	// AtomFixed pins an exact data version id.
	AtomFixed
)

// Atom is one non-composite version reference.
type Atom struct {
	Kind AtomKind
	Back int    // back-steps for AtomHead
	ID   string // fixed id for AtomFixed
}

// Shape distinguishes the composite forms of an expression.
type Shape int

const (
	ShapeSingle Shape = iota
	ShapeList
	ShapeRange
)

// Expr is a parsed version expression. Lists hold two or more atoms in
// declaration order; ranges hold exactly two endpoints.
type Expr struct {
	Shape Shape
	Atoms []Atom
	text  string
}

// Head returns the default expression, HEAD, which is also the implicit
// trigger semantics when a reference omits its expression.
func Head() Expr {
	return Expr{Shape: ShapeSingle, Atoms: []Atom{{Kind: AtomHead}}, text: "HEAD"}
}

// String returns the original expression text.
func (e Expr) String() string { return e.text }

// IsSingle reports whether the expression resolves to at most one version.
func (e Expr) IsSingle() bool { return e.Shape == ShapeSingle }

// Parse parses a version expression. An empty string parses to HEAD.
// Lists and ranges cannot be mixed.
func Parse(text string) (Expr, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Head(), nil
	}

	if strings.Contains(trimmed, "..") {
		parts := strings.Split(trimmed, "..")
		if len(parts) != 2 {
			return Expr{}, fmt.Errorf("%w: %q: a range has exactly two endpoints", models.ErrInvalidVersionExpr, text)
		}
		if strings.Contains(trimmed, ",") {
			return Expr{}, fmt.Errorf("%w: %q: lists and ranges cannot mix", models.ErrInvalidVersionExpr, text)
		}
		from, err := parseAtom(parts[0])
		if err != nil {
			return Expr{}, err
		}
		to, err := parseAtom(parts[1])
		if err != nil {
			return Expr{}, err
		}
		return Expr{Shape: ShapeRange, Atoms: []Atom{from, to}, text: trimmed}, nil
	}

	if strings.Contains(trimmed, ",") {
		parts := strings.Split(trimmed, ",")
		atoms := make([]Atom, 0, len(parts))
		for _, p := range parts {
			a, err := parseAtom(p)
			if err != nil {
				return Expr{}, err
			}
			atoms = append(atoms, a)
		}
		return Expr{Shape: ShapeList, Atoms: atoms, text: trimmed}, nil
	}

	a, err := parseAtom(trimmed)
	if err != nil {
		return Expr{}, err
	}
	return Expr{Shape: ShapeSingle, Atoms: []Atom{a}, text: trimmed}, nil
}

func parseAtom(text string) (Atom, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Atom{}, fmt.Errorf("%w: empty reference", models.ErrInvalidVersionExpr)
	}

	if strings.HasPrefix(s, "HEAD") {
		rest := s[len("HEAD"):]
		if rest == "" {
			return Atom{Kind: AtomHead}, nil
		}
		if rest[0] == '^' {
			if rest != strings.Repeat("^", len(rest)) {
				return Atom{}, fmt.Errorf("%w: %q", models.ErrInvalidVersionExpr, text)
			}
			if len(rest) > maxCarets {
				return Atom{}, fmt.Errorf("%w: %q: at most %d trailing ^", models.ErrInvalidVersionExpr, text, maxCarets)
			}
			return Atom{Kind: AtomHead, Back: len(rest)}, nil
		}
		if rest[0] == '~' {
			digits := rest[1:]
			if digits == "" || len(digits) > maxTildeDigits {
				return Atom{}, fmt.Errorf("%w: %q: HEAD~N takes 1 to %d digits", models.ErrInvalidVersionExpr, text, maxTildeDigits)
			}
			n := 0
			for _, c := range digits {
				if c < '0' || c > '9' {
					return Atom{}, fmt.Errorf("%w: %q", models.ErrInvalidVersionExpr, text)
				}
				n = n*10 + int(c-'0')
			}
			return Atom{Kind: AtomHead, Back: n}, nil
		}
		return Atom{}, fmt.Errorf("%w: %q", models.ErrInvalidVersionExpr, text)
	}

	if len(s) == FixedIDLen {
		if _, err := ulid.ParseStrict(s); err != nil {
			return Atom{}, fmt.Errorf("%w: %q is not a version id: %v", models.ErrInvalidVersionExpr, text, err)
		}
		return Atom{Kind: AtomFixed, ID: strings.ToUpper(s)}, nil
	}

	return Atom{}, fmt.Errorf("%w: %q", models.ErrInvalidVersionExpr, text)
}
