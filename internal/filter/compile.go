package filter

import (
	"slices"

	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// Compiler turns Criteria into Predicates.
type Compiler struct {
	logger *zap.Logger
}

// NewCompiler creates a Compiler that reports coerced combinators to logger.
func NewCompiler(logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{logger: logger.Named("filter")}
}

// Compile builds the predicate for c with a silent compiler.
func Compile(c Criteria) Predicate {
	return NewCompiler(nil).Compile(c)
}

// Compile builds the predicate for c.
//
// Each present criterion contributes one sub-predicate. With no
// sub-predicates the result is True, whether or not Negate is set.
// Otherwise the sub-predicates are ANDed, or, when Negate is set, ORed and
// then inverted as a whole: NOT (s1 OR s2 ...). Negation is never pushed
// into the individual criteria.
func (c *Compiler) Compile(cr Criteria) Predicate {
	var subs []Predicate

	if cr.DateRange != nil {
		subs = append(subs, TimeRange{From: cr.DateRange.Start, Until: cr.DateRange.Until()})
	}
	if ids := dedupeSorted(cr.Users); len(ids) > 0 {
		subs = append(subs, IDIn{Column: ColumnUser, IDs: ids})
	}
	if ids := dedupeSorted(cr.Servers); len(ids) > 0 {
		subs = append(subs, IDIn{Column: ColumnServer, IDs: ids})
	}
	if p := c.compileSearch(cr.Search); p != nil {
		subs = append(subs, p)
	}
	if types := canonicalTypes(cr.QueryTypes); len(types) > 0 && !allTypes(types) {
		subs = append(subs, TypeIn{Types: types})
	}

	switch {
	case len(subs) == 0:
		return True{}
	case cr.Negate:
		return Not{P: Or(subs)}
	case len(subs) == 1:
		return subs[0]
	default:
		return And(subs)
	}
}

func (c *Compiler) compileSearch(s SearchSpec) Predicate {
	if len(s.Terms) == 0 {
		return nil
	}

	comb, err := ParseCombinator(string(s.Combinator))
	if err != nil {
		c.logger.Warn("unsupported search combinator, using any",
			zap.String("combinator", string(s.Combinator)))
	}

	negated := comb == CombinatorNone || comb == CombinatorNotAll
	likes := make([]Predicate, len(s.Terms))
	for i, term := range s.Terms {
		likes[i] = NewLike(term, negated)
	}
	if len(likes) == 1 {
		return likes[0]
	}

	switch comb {
	case CombinatorAll, CombinatorNone:
		return And(likes)
	default:
		return Or(likes)
	}
}

// canonicalTypes dedupes and orders types canonically. Unknown labels are
// kept after the canonical ones so that they match nothing.
func canonicalTypes(in []model.QueryType) []model.QueryType {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[model.QueryType]bool, len(in))
	var known, unknown []model.QueryType
	for _, raw := range in {
		t := raw
		if parsed, err := model.ParseQueryType(string(raw)); err == nil {
			t = parsed
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		if t.Valid() {
			known = append(known, t)
		} else {
			unknown = append(unknown, t)
		}
	}
	slices.SortFunc(known, func(a, b model.QueryType) int { return a.Index() - b.Index() })
	slices.Sort(unknown)
	return append(known, unknown...)
}

func allTypes(types []model.QueryType) bool {
	return len(types) == model.NumQueryTypes && slices.Equal(types, model.QueryTypes[:])
}
