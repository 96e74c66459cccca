package reducer

import (
	"errors"
	"fmt"
	"regexp"
)

// identityPattern matches general_log user_host values such as
// "alice[alice] @ db1.example.org [10.0.0.7]".
var identityPattern = regexp.MustCompile(`^.*\[(?P<user>.*)\] @ (?P<server>.*) \[(?P<ip>.*)\]`)

// ErrIdentityParse is the sentinel wrapped by *IdentityParseError.
var ErrIdentityParse = errors.New("identity string not recognized")

// IdentityParseError reports an identity string that does not follow the
// user_host layout.
type IdentityParseError struct {
	Identity string
}

func (e *IdentityParseError) Error() string {
	return fmt.Sprintf("reducer: user not found in identity %q", e.Identity)
}

func (e *IdentityParseError) Unwrap() error { return ErrIdentityParse }

// ParseIdentity extracts the user and server from an identity string.
// When the string does not match, the whole string is returned as the user,
// the server is empty and the error is an *IdentityParseError.
func ParseIdentity(identity string) (user, server string, err error) {
	m := identityPattern.FindStringSubmatch(identity)
	if m == nil {
		return identity, "", &IdentityParseError{Identity: identity}
	}
	return m[identityPattern.SubexpIndex("user")], m[identityPattern.SubexpIndex("server")], nil
}
