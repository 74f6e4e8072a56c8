package cfg

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type parseConfigError struct {
	connString string
	msg        string
	err        error
}

func (e *parseConfigError) Error() string {
	// Never echo the password back in an error message.
	connString := redactPassword(e.connString)
	if e.err == nil {
		return fmt.Sprintf("cannot parse `%s`: %s", connString, e.msg)
	}
	return fmt.Sprintf("cannot parse `%s`: %s (%s)", connString, e.msg, e.err.Error())
}

func (e *parseConfigError) Unwrap() error {
	return e.err
}

var (
	quotedPasswordRE = regexp.MustCompile(`password='[^']*'`)
	plainPasswordRE  = regexp.MustCompile(`password=[^ ]*`)
	urlPasswordRE    = regexp.MustCompile(`:[^:@]+?@`)
)

func redactPassword(connString string) string {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		if u, err := url.Parse(connString); err == nil {
			if _, pwSet := u.User.Password(); pwSet {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
			}
			return u.String()
		}
	}
	connString = quotedPasswordRE.ReplaceAllLiteralString(connString, "password=xxxxx")
	connString = plainPasswordRE.ReplaceAllLiteralString(connString, "password=xxxxx")
	connString = urlPasswordRE.ReplaceAllLiteralString(connString, ":xxxxxx@")
	return connString
}
