// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package webhook

import (
	"context"
	"net"
	"net/url"

	"kiln/pkg/faults"
)

// Resolver resolves hostnames; swapped out in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ValidateURL rejects webhook targets that could reach internal
// infrastructure. The hostname is resolved and EVERY returned address must
// be public: one private A record among public ones is still a rejection,
// since the attacker controls the DNS.
func ValidateURL(ctx context.Context, resolver Resolver, rawURL string) error {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return faults.Wrap(faults.KindValidationRejected, err, "invalid webhook URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return faults.New(faults.KindValidationRejected, "webhook URL scheme %q is not http(s)", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return faults.New(faults.KindValidationRejected, "webhook URL has no host")
	}

	// Literal IPs skip DNS.
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return blockedErr(host, ip)
		}
		return nil
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return faults.Wrap(faults.KindValidationRejected, err, "webhook host %q does not resolve", host)
	}
	if len(addrs) == 0 {
		return faults.New(faults.KindValidationRejected, "webhook host %q resolves to nothing", host)
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return blockedErr(host, addr.IP)
		}
	}
	return nil
}

func blockedErr(host string, ip net.IP) error {
	return faults.New(faults.KindSSRFBlocked, "webhook host %q resolves to reserved address %s", host, ip).
		WithDetail("host", host).
		WithDetail("address", ip.String())
}

// isBlockedIP reports whether ip falls in a reserved range: RFC1918,
// loopback, link-local, IPv6 unique-local, multicast, or unspecified.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// fc00::/7 unique-local
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil {
		if v6[0]&0xfe == 0xfc {
			return true
		}
	}
	return false
}
