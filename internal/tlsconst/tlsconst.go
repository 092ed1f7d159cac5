// Package tlsconst contains TLS constants for human consumption, used by
// the transport package to render the negotiated protocol version and
// cipher suite after a successful STARTTLS or implicit-TLS upgrade.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	0x0300:           "SSL-3.0",
	tls.VersionTLS10: "TLS-1.0",
	tls.VersionTLS11: "TLS-1.1",
	tls.VersionTLS12: "TLS-1.2",
	tls.VersionTLS13: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	if name, ok := versionName[v]; ok {
		return name
	}
	return fmt.Sprintf("TLS-%#04x", v)
}

// CipherSuiteName returns a human-readable TLS cipher suite name, using the
// standard library's registry of known suites (crypto/tls.CipherSuiteName
// already renders unknown suites as "0x....", so there is no need to
// maintain our own generated table the way the upstream tool does).
func CipherSuiteName(s uint16) string {
	return tls.CipherSuiteName(s)
}
