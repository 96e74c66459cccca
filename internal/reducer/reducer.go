// Package reducer decides which query-log rows are kept in the reduced log.
package reducer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// RejectReason names the rule that dropped a row.
type RejectReason string

const (
	RejectIgnoredUser   RejectReason = "ignored_user"
	RejectIgnoredQuery  RejectReason = "ignored_query"
	RejectUnwantedTerm  RejectReason = "unwanted_term"
	RejectUnwantedStart RejectReason = "unwanted_start"
)

// Config holds the denylists. Terms and starts are regular expressions.
type Config struct {
	IgnoreUsers    []string `mapstructure:"ignore-users" yaml:"ignore-users"`
	IgnoreQueries  []string `mapstructure:"ignore-queries" yaml:"ignore-queries"`
	UnwantedTerms  []string `mapstructure:"unwanted-terms" yaml:"unwanted-terms"`
	UnwantedStarts []string `mapstructure:"unwanted-starts" yaml:"unwanted-starts"`
}

// Decision is the outcome of Accept.
type Decision struct {
	Accepted bool
	User     string
	Server   string
	Query    model.NormalizedQuery
	Reason   RejectReason

	// IdentityErr is set when the identity string fell back to the raw value.
	IdentityErr error
}

// QueryReducer applies the acceptance rules. It is read-only after
// construction and safe for concurrent use.
type QueryReducer struct {
	ignoreUsers   map[string]struct{}
	ignoreQueries map[string]struct{}
	terms         *regexp.Regexp
	starts        *regexp.Regexp
	logger        *zap.Logger
}

// New compiles cfg. An empty pattern list matches nothing.
func New(cfg Config, logger *zap.Logger) (*QueryReducer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	terms, err := compileAlternation(cfg.UnwantedTerms, "", "")
	if err != nil {
		return nil, fmt.Errorf("reducer: unwanted-terms: %w", err)
	}
	starts, err := compileAlternation(cfg.UnwantedStarts, "^", ".*")
	if err != nil {
		return nil, fmt.Errorf("reducer: unwanted-starts: %w", err)
	}

	return &QueryReducer{
		ignoreUsers:   toSet(cfg.IgnoreUsers),
		ignoreQueries: toSet(cfg.IgnoreQueries),
		terms:         terms,
		starts:        starts,
		logger:        logger.Named("reducer"),
	}, nil
}

// Accept decides whether a row with the given identity and query is kept.
// rawQuery is the text as logged; q is its normalized form.
func (r *QueryReducer) Accept(identity, rawQuery string, q model.NormalizedQuery) Decision {
	user, server, err := ParseIdentity(identity)
	if err != nil {
		r.logger.Warn("identity not recognized, using raw value as user",
			zap.String("identity", identity))
	}

	d := Decision{
		User:        user,
		Server:      server,
		Query:       q,
		IdentityErr: err,
	}

	match := q.MatchText()
	switch {
	case contains(r.ignoreUsers, user):
		d.Reason = RejectIgnoredUser
	case contains(r.ignoreQueries, rawQuery) || contains(r.ignoreQueries, q.Text):
		d.Reason = RejectIgnoredQuery
	case r.terms != nil && r.terms.MatchString(match):
		d.Reason = RejectUnwantedTerm
	case r.starts != nil && r.starts.MatchString(match):
		d.Reason = RejectUnwantedStart
	default:
		d.Accepted = true
	}
	return d
}

// IsIdentityError reports whether err came from identity parsing.
func IsIdentityError(err error) bool {
	return errors.Is(err, ErrIdentityParse)
}

func compileAlternation(patterns []string, anchor, suffix string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	alts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		alts = append(alts, "(?:"+p+")"+suffix)
	}
	return regexp.Compile(anchor + "(?:" + strings.Join(alts, "|") + ")")
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
