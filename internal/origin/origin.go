// Package origin derives the scheme+host+port key used for cookie caching
// and single-flight coalescing.
package origin

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedScheme is returned for URLs that are not http or https.
	ErrUnsupportedScheme = errors.New("url scheme must be http or https")
	// ErrMissingHost is returned for URLs without a host.
	ErrMissingHost = errors.New("url has no host")
)

// Origin is a scheme+host+port tuple. Two URLs share an Origin only if all
// three match exactly; subdomains are distinct origins.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// FromURL parses raw and returns its origin. Default ports are made explicit
// so that https://example.com and https://example.com:443 coincide.
func FromURL(raw string) (Origin, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Origin{}, err
	}
	return FromParsed(u)
}

// FromParsed returns the origin of an already parsed URL.
func FromParsed(u *url.URL) (Origin, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, ErrUnsupportedScheme
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return Origin{}, ErrMissingHost
	}

	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Origin{}, errors.New("invalid port: " + p)
		}
		port = n
	}

	return Origin{Scheme: scheme, Host: host, Port: port}, nil
}

// String renders the origin as scheme://host:port.
func (o Origin) String() string {
	if o.Host == "" {
		return ""
	}
	return o.Scheme + "://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
