// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter chooses which side of a conflict survives a filtered merge. It
// returns source to let the merge apply the source item and target to keep
// the target item. target is nil when the target lacks the path; the
// parents may be nil for merges of single items.
type Filter func(source, target any, path string, sourceParent, targetParent *Container) any

// AllowOnly lets the source through only for the listed paths.
//
// A path matches when it equals a listed path, lies below one, or is a
// parent of one that resolves inside the source item's value. As a last
// resort a listed path contained anywhere in the path matches too.
func AllowOnly(paths ...string) Filter {
	return func(source, target any, path string, _, _ *Container) any {
		if matchesAny(paths, path, source, target) {
			return source
		}
		return target
	}
}

// BlockOnly lets the source through for every path except the listed ones,
// matched as in [AllowOnly].
func BlockOnly(paths ...string) Filter {
	return func(source, target any, path string, _, _ *Container) any {
		if matchesAny(paths, path, source, target) {
			return target
		}
		return source
	}
}

// MatchPattern lets the source through when re matches the dotted path.
func MatchPattern(re *regexp.Regexp) Filter {
	return func(source, target any, path string, _, _ *Container) any {
		if re.MatchString(path) {
			return source
		}
		return target
	}
}

// Custom lets the source through when pred returns true.
func Custom(pred func(source, target any, path string) bool) Filter {
	return func(source, target any, path string, _, _ *Container) any {
		if pred(source, target, path) {
			return source
		}
		return target
	}
}

// And lets the source through only when every filter does. It stops at the
// first filter that keeps the target.
func And(filters ...Filter) Filter {
	return func(source, target any, path string, sp, tp *Container) any {
		for _, f := range filters {
			if !sameSlot(f(source, target, path, sp, tp), source) {
				return target
			}
		}
		return source
	}
}

// Or lets the source through when any filter does. It stops at the first
// filter that chooses the source.
func Or(filters ...Filter) Filter {
	return func(source, target any, path string, sp, tp *Container) any {
		for _, f := range filters {
			if sameSlot(f(source, target, path, sp, tp), source) {
				return source
			}
		}
		return target
	}
}

// exprEnv is the environment filter expressions are evaluated in.
type exprEnv struct {
	Path   string `expr:"path"`
	Source any    `expr:"source"`
	Target any    `expr:"target"`
}

// ExprFilter compiles a boolean expression (expr-lang syntax) into a filter.
// The expression sees path, and the plain values source and target; target
// is nil when the target lacks the path. A true result lets the source
// through; false or an evaluation error keeps the target.
//
//	f, err := ExprFilter(`path startsWith "db." && source != nil`)
func ExprFilter(expression string) (Filter, error) {
	prg, err := expr.Compile(expression, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid filter expression: %v", err)}
	}
	return exprFilter(prg), nil
}

func exprFilter(prg *vm.Program) Filter {
	return func(source, target any, path string, _, _ *Container) any {
		env := exprEnv{Path: path, Source: plainOf(source), Target: plainOf(target)}
		out, err := expr.Run(prg, env)
		if err != nil {
			return target
		}
		if ok, _ := out.(bool); ok {
			return source
		}
		return target
	}
}

func matchesAny(paths []string, path string, source, target any) bool {
	for _, p := range paths {
		if matchesPath(p, path, source, target) {
			return true
		}
	}
	return false
}

func matchesPath(candidate, path string, source, target any) bool {
	if candidate == path {
		return true
	}
	if strings.HasPrefix(path, candidate+Separator) {
		return true
	}
	rest, below := strings.CutPrefix(candidate, path+Separator)
	if path == "" {
		rest, below = candidate, true
	}
	if below {
		if _, found := lookupPath(source, rest); found {
			return true
		}
		if _, found := lookupPath(target, rest); found {
			return true
		}
	}
	return candidate != "" && strings.Contains(path, candidate)
}
