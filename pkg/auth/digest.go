// Package auth implements the client side of HTTP Digest (RFC 2617) the way
// RAOP speakers require it: username fixed to "iTunes", MD5 only, and a
// quirk where the response hex digest's letter case mirrors whatever case
// the server's nonce used.
package auth

import (
	"crypto/md5" //nolint:gosec // RAOP's digest scheme mandates MD5, not a choice.
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/airstream-project/raopcore/pkg/headers"
)

const username = "iTunes"

// Digest holds the realm/nonce learned from a 401 response and builds
// Authorization headers for subsequent requests against the same realm.
type Digest struct {
	Realm string
	Nonce string
	upper bool
}

// NewDigest builds a Digest from a parsed WWW-Authenticate challenge.
func NewDigest(ch headers.WWWAuthenticate) *Digest {
	return &Digest{
		Realm: ch.Realm,
		Nonce: ch.Nonce,
		upper: hasUpperHex(ch.Nonce),
	}
}

// hasUpperHex reports whether s contains an upper-case hex letter (A-F),
// which is how RAOP clients decide whether to render their own response
// digest in upper or lower case: they mirror the server's own convention.
func hasUpperHex(s string) bool {
	for _, c := range s {
		if c >= 'A' && c <= 'F' {
			return true
		}
	}
	return false
}

// Authorization computes the Authorization header value for method+uri
// using password pass.
func (d *Digest) Authorization(method, uri, pass string) string {
	ha1 := md5Hex(username + ":" + d.Realm + ":" + pass)
	ha2 := md5Hex(method + ":" + uri)

	if d.upper {
		ha1 = strings.ToUpper(ha1)
		ha2 = strings.ToUpper(ha2)
	}

	response := md5Hex(ha1 + ":" + d.Nonce + ":" + ha2)

	if d.upper {
		response = strings.ToUpper(response)
	}

	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, d.Realm, d.Nonce, uri, response,
	)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
