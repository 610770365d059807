// Package endpoint turns a gatekeeper connection string into the pair of
// transport endpoints used for accounting and control traffic.
package endpoint

import (
	"fmt"
	"net"
	"regexp"
	"strconv"

	errspkg "github.com/qz267/smockron/internal/runtime/errors"
)

const (
	// DefaultScheme is used when the connection string has no scheme.
	DefaultScheme = "tcp"
	// DefaultPort is the accounting port used when none is given. The control
	// channel always listens one port above it.
	DefaultPort = 10004

	maxAccountingPort = 65534
)

var connectionString = regexp.MustCompile(`^(?:(\w+)://)?(.*?)(?::(\d+))?$`)

// Pair is the resolved accounting/control endpoint pair.
type Pair struct {
	Scheme string
	Host   string
	Port   int

	// Accounting is scheme://host:port.
	Accounting string
	// Control is scheme://host:(port+1).
	Control string
}

// Resolve parses a connection string of the form [scheme://]host[:port].
func Resolve(s string) (Pair, error) {
	if s == "" {
		return Pair{}, fmt.Errorf("%w: empty", errspkg.ErrInvalidConnectionString)
	}

	m := connectionString.FindStringSubmatch(s)
	if m == nil {
		return Pair{}, fmt.Errorf("%w: %q", errspkg.ErrInvalidConnectionString, s)
	}

	scheme, host, rawPort := m[1], m[2], m[3]
	if scheme == "" {
		scheme = DefaultScheme
	}
	if host == "" {
		return Pair{}, fmt.Errorf("%w: host is required in %q", errspkg.ErrInvalidConnectionString, s)
	}

	port := DefaultPort
	if rawPort != "" {
		p, err := strconv.Atoi(rawPort)
		if err != nil || p > maxAccountingPort {
			return Pair{}, fmt.Errorf("%w: port out of range in %q", errspkg.ErrInvalidConnectionString, s)
		}
		port = p
	}

	return Pair{
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		Accounting: scheme + "://" + host + ":" + strconv.Itoa(port),
		Control:    scheme + "://" + host + ":" + strconv.Itoa(port+1),
	}, nil
}

// MustResolve is like Resolve but panics on error. Intended for tests and
// hard-coded addresses.
func MustResolve(s string) Pair {
	p, err := Resolve(s)
	if err != nil {
		panic(err)
	}
	return p
}

// AccountingAddress returns host:port of the accounting endpoint.
func (p Pair) AccountingAddress() string {
	return net.JoinHostPort(trimBrackets(p.Host), strconv.Itoa(p.Port))
}

// ControlAddress returns host:port of the control endpoint.
func (p Pair) ControlAddress() string {
	return net.JoinHostPort(trimBrackets(p.Host), strconv.Itoa(p.Port+1))
}

func (p Pair) String() string {
	return fmt.Sprintf("accounting=%s control=%s", p.Accounting, p.Control)
}

// trimBrackets strips the brackets of an IPv6 literal so JoinHostPort does not
// add a second pair.
func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
