// Package contact validates contact addresses before they are admitted to the
// registry, and holds the few URI manipulations the dispatcher needs.
//
// Only sip: and sips: URIs with a routable host are accepted. Anything the
// downstream stack would not be able to send to (no host, broken IPv6 literal,
// stray characters in the host) is rejected here so it never reaches routing.
package contact

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var (
	ErrEmpty             = errors.New("contact: empty address")
	ErrWildcard          = errors.New("contact: wildcard is not an address")
	ErrUnsupportedScheme = errors.New("contact: unsupported scheme")
	ErrUnparseable       = errors.New("contact: unparseable address")
	ErrNoHost            = errors.New("contact: missing host")
	ErrBadHost           = errors.New("contact: unroutable host")
	ErrBadPort           = errors.New("contact: port out of range")
)

// Address is a validated contact address.
type Address struct {
	URI  string // canonical form, used as the registry key
	User string
	Host string
	Port int // 0 when absent
}

// Validate checks raw and returns its normalized form. It has no side effects.
func Validate(raw string) (Address, error) {
	u, err := parse(raw)
	if err != nil {
		return Address{}, err
	}
	if u.Host == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrNoHost, raw)
	}
	if err := checkHost(u.Host); err != nil {
		return Address{}, fmt.Errorf("%w: %q", err, raw)
	}
	if err := checkPort(u.Port); err != nil {
		return Address{}, fmt.Errorf("%w: %q", err, raw)
	}
	return Address{
		URI:  u.String(),
		User: u.User,
		Host: u.Host,
		Port: u.Port,
	}, nil
}

// User extracts the user part of uri, the key registrations are stored under.
func User(uri string) (string, error) {
	u, err := parse(uri)
	if err != nil {
		return "", err
	}
	return u.User, nil
}

// RewriteHostPort returns uri with its host and port replaced, keeping user and
// parameters. A zero port drops the port from the result.
func RewriteHostPort(uri, host string, port int) (string, error) {
	u, err := parse(uri)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", fmt.Errorf("%w: empty rewrite host", ErrNoHost)
	}
	if err := checkPort(port); err != nil {
		return "", fmt.Errorf("%w: %d", err, port)
	}
	u.Host = host
	u.Port = port
	return u.String(), nil
}

func parse(raw string) (*sip.Uri, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" {
		return nil, ErrEmpty
	}
	if s == "*" {
		return nil, ErrWildcard
	}

	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, raw)
	}

	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnparseable, raw, err)
	}
	if u.Wildcard {
		return nil, ErrWildcard
	}
	return &u, nil
}

// checkHost accepts IP literals (bracketed or not) and DNS-style names.
func checkHost(host string) error {
	if strings.HasPrefix(host, "[") || strings.HasSuffix(host, "]") {
		inner, ok := strings.CutPrefix(host, "[")
		if !ok {
			return ErrBadHost
		}
		inner, ok = strings.CutSuffix(inner, "]")
		if !ok {
			return ErrBadHost
		}
		addr, err := netip.ParseAddr(inner)
		if err != nil || !addr.Is6() {
			return ErrBadHost
		}
		return nil
	}

	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}

	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return ErrBadHost
		}
	}

	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	for _, label := range labels {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return ErrBadHost
		}
	}
	// 顶级标签全是数字只可能是写错的 IP
	if strings.Trim(labels[len(labels)-1], "0123456789") == "" {
		return ErrBadHost
	}
	return nil
}

// checkPort allows 0, which means no port was given.
func checkPort(port int) error {
	if port < 0 || port > 65535 {
		return ErrBadPort
	}
	return nil
}
