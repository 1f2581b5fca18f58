package base

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
)

const headerMaxLineLength = 4096

// Header is a set of RTSP header values. Every access passes the key through
// CanonicalHeaderKey, so the headers it knows match case-insensitively and
// are written in the casing RAOP peers send; any other key is stored and
// matched exactly as given.
type Header map[string][]string

// Get returns the first value of a header, if present.
func (h Header) Get(key string) string {
	v, ok := h[CanonicalHeaderKey(key)]
	if !ok || len(v) == 0 {
		return ""
	}
	return v[0]
}

// Set sets a header to a single value, replacing any previous ones.
func (h Header) Set(key, value string) {
	h[CanonicalHeaderKey(key)] = []string{value}
}

// Add appends a value to a header.
func (h Header) Add(key, value string) {
	k := CanonicalHeaderKey(key)
	h[k] = append(h[k], value)
}

// CanonicalHeaderKey mirrors the casing RAOP peers expect on the wire.
func CanonicalHeaderKey(key string) string {
	switch strings.ToLower(key) {
	case "cseq":
		return "CSeq"
	case "user-agent":
		return "User-Agent"
	case "content-type":
		return "Content-Type"
	case "content-length":
		return "Content-Length"
	case "session":
		return "Session"
	case "transport":
		return "Transport"
	case "range":
		return "Range"
	case "rtp-info":
		return "RTP-Info"
	case "active-remote":
		return "Active-Remote"
	case "dacp-id":
		return "DACP-ID"
	case "client-instance":
		return "Client-Instance"
	case "apple-challenge":
		return "Apple-Challenge"
	case "apple-response":
		return "Apple-Response"
	case "audio-jack-status":
		return "Audio-Jack-Status"
	case "audio-latency":
		return "Audio-Latency"
	case "www-authenticate":
		return "WWW-Authenticate"
	case "authorization":
		return "Authorization"
	default:
		return key
	}
}

func (h Header) write(sb *strings.Builder) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range h[k] {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
}

func readHeaderLines(rb *bufio.Reader) (Header, error) {
	h := make(Header)

	for {
		byts, err := rb.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading header line: %w", err)
		}
		if len(byts) > headerMaxLineLength {
			return nil, fmt.Errorf("header line too long")
		}

		line := strings.TrimRight(byts, "\r\n")
		if line == "" {
			return h, nil
		}

		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("malformed header line: %q", line)
		}

		key := CanonicalHeaderKey(strings.TrimSpace(line[:i]))
		value := strings.TrimSpace(line[i+1:])
		h[key] = append(h[key], value)
	}
}
