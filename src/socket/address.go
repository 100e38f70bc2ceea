package socket

import (
	"fmt"
	"net/url"
	"strconv"

	"driftdb/src/dberr"
)

// Address is the parsed target of a socket connection.
type Address struct {
	Scheme   string
	Hostname string
	Port     uint16
	Path     string
}

// ParseAddress splits a ws:// or wss:// URL into an Address, filling in
// the scheme's default port.
func ParseAddress(rawURL string) (*Address, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, dberr.Wrap(err, dberr.NetworkDomain, dberr.InvalidParameter,
			"cannot parse socket URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"unsupported socket URL scheme %q", u.Scheme)
	}
	port := uint16(80)
	if u.Scheme == "wss" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"invalid port in socket URL %q", rawURL)
		}
		port = uint16(n)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &Address{
		Scheme:   u.Scheme,
		Hostname: u.Hostname(),
		Port:     port,
		Path:     path,
	}, nil
}

func (a *Address) String() string {
	return fmt.Sprintf("%s://%s:%d%s", a.Scheme, a.Hostname, a.Port, a.Path)
}
