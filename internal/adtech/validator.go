// Package adtech validates ad tech identifiers and the URIs they own.
package adtech

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/radiusdt/adselection/internal/models"
)

var (
	ErrInvalidIdentifier = errors.New("invalid ad tech identifier")
	ErrInvalidURI        = errors.New("invalid ad tech uri")
)

var hostnamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9-]{0,61}[a-z0-9]$`)

// ValidateIdentifier checks that id is a lowercase domain name.
func ValidateIdentifier(id models.AdTechIdentifier) error {
	s := id.String()
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(s) > 253 || !hostnamePattern.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return nil
}

// Owner returns the registrable domain (eTLD+1) of host.
func Owner(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %v", ErrInvalidURI, host, err)
	}
	return etld1, nil
}

// SameOwner reports whether two hosts share an eTLD+1.
func SameOwner(a, b string) bool {
	oa, err := Owner(a)
	if err != nil {
		return false
	}
	ob, err := Owner(b)
	if err != nil {
		return false
	}
	return oa == ob
}

// URIValidator checks that a URI is absolute HTTPS and owned by AdTech.
type URIValidator struct {
	// Role names the ad tech in error messages, e.g. "seller" or "buyer".
	Role   string
	AdTech models.AdTechIdentifier
}

// Validate returns a descriptive error for the first violation found.
func (v URIValidator) Validate(uri string) error {
	u, err := ParseHTTPS(uri, v.Role)
	if err != nil {
		return err
	}
	if v.AdTech == "" {
		return fmt.Errorf("%w: %s identifier is empty", ErrInvalidURI, v.Role)
	}
	if !SameOwner(u.Hostname(), v.AdTech.String()) {
		return fmt.Errorf("%w: %s uri host %q does not match %s identifier %q",
			ErrInvalidURI, v.Role, u.Hostname(), v.Role, v.AdTech)
	}
	return nil
}

// ParseHTTPS parses uri and requires an absolute https URL with a host.
func ParseHTTPS(uri, role string) (*url.URL, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: %s uri is empty", ErrInvalidURI, role)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s uri %q: %v", ErrInvalidURI, role, uri, err)
	}
	if !u.IsAbs() || u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s uri %q must be absolute https", ErrInvalidURI, role, uri)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %s uri %q has no host", ErrInvalidURI, role, uri)
	}
	return u, nil
}

// HostIdentifier returns the ad tech identifier implied by a URI host.
func HostIdentifier(uri string) (models.AdTechIdentifier, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return models.AdTechIdentifier(strings.ToLower(u.Hostname())), nil
}
