package headers

import "strings"

// WWWAuthenticate is a parsed WWW-Authenticate: Digest header as RAOP
// speakers send it after refusing a request with 401.
type WWWAuthenticate struct {
	Realm string
	Nonce string
}

// ParseWWWAuthenticate parses the Digest challenge out of a
// WWW-Authenticate header value. Only the Digest scheme is supported: RAOP
// speakers never offer Basic.
func ParseWWWAuthenticate(v string) (WWWAuthenticate, bool) {
	if !strings.HasPrefix(v, "Digest ") {
		return WWWAuthenticate{}, false
	}

	var out WWWAuthenticate
	for _, kv := range splitDigestParams(v[len("Digest "):]) {
		switch kv[0] {
		case "realm":
			out.Realm = kv[1]
		case "nonce":
			out.Nonce = kv[1]
		}
	}
	if out.Realm == "" || out.Nonce == "" {
		return WWWAuthenticate{}, false
	}
	return out, true
}

// splitDigestParams splits `key="value", key2="value2"` style parameter
// lists, tolerating unquoted values.
func splitDigestParams(v string) [][2]string {
	var out [][2]string
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		i := strings.IndexByte(field, '=')
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(field[:i])
		val := strings.Trim(strings.TrimSpace(field[i+1:]), `"`)
		out = append(out, [2]string{key, val})
	}
	return out
}
