package filter

import (
	"errors"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// Params is the flat, string-typed form of Criteria used by the CLI flags
// and the HTTP API.
type Params struct {
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	Users      []int64  `json:"users,omitempty"`
	Servers    []int64  `json:"servers,omitempty"`
	Search     []string `json:"search,omitempty"`
	Combinator string   `json:"combinator,omitempty"`
	Types      []string `json:"types,omitempty"`
	Negate     bool     `json:"negate,omitempty"`
}

// Criteria converts p. A single date selects that day. The combinator and
// type labels are passed through unchecked; the compiler coerces unknown
// combinators and unknown types match nothing.
func (p Params) Criteria() (Criteria, error) {
	c := Criteria{
		Users:   p.Users,
		Servers: p.Servers,
		Search:  SearchSpec{Terms: p.Search, Combinator: Combinator(p.Combinator)},
		Negate:  p.Negate,
	}

	from, to := p.From, p.To
	switch {
	case from == "" && to == "":
	case from == "":
		return Criteria{}, errors.New("filter: end date without start date")
	default:
		if to == "" {
			to = from
		}
		dr, err := ParseDateRange(from, to)
		if err != nil {
			return Criteria{}, err
		}
		c.DateRange = dr
	}

	for _, t := range p.Types {
		c.QueryTypes = append(c.QueryTypes, model.QueryType(t))
	}
	return c, nil
}
