package webhook

import (
	"fmt"
	"net"
	"net/url"
)

// ValidateURL rejects webhook destinations that would let a caller steer the
// gateway at internal infrastructure. Only http and https are accepted, and
// the host must resolve exclusively to public unicast addresses.
// allowPrivate relaxes the address checks for local development; the scheme
// and host checks always apply.
func ValidateURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}
	if allowPrivate {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkAddr(ip, host)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("webhook host %q does not resolve: %w", host, err)
	}
	for _, ip := range ips {
		if err := checkAddr(ip, host); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(ip net.IP, host string) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("webhook host %q resolves to loopback address %s", host, ip)
	case ip.IsPrivate():
		return fmt.Errorf("webhook host %q resolves to private address %s", host, ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("webhook host %q resolves to link-local address %s", host, ip)
	case ip.IsUnspecified():
		return fmt.Errorf("webhook host %q resolves to unspecified address %s", host, ip)
	}
	return nil
}
