// Package headers contains RTSP header codecs, scoped to the ones RAOP
// negotiates: Transport, RTP-Info and the WWW-Authenticate Digest challenge
// (the matching Authorization value is built by pkg/auth).
package headers

import (
	"fmt"
	"strconv"
	"strings"
)

// Transport is the RAOP flavor of the Transport header: always
// RTP/AVP/UDP;unicast, carrying the caller's chosen control/timing ports
// and, in a response, the server's chosen ports (audio latency travels in
// the separate Audio-Latency header).
type Transport struct {
	ControlPort int
	TimingPort  int
	ServerPort  int
}

// Write renders the request-side Transport header value.
func (t Transport) Write() string {
	return fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d",
		t.ControlPort, t.TimingPort,
	)
}

// ParseTransport parses the response-side Transport header value, pulling
// out whichever of server_port/control_port/timing_port the peer echoed
// back (SETUP responses may refine control_port/timing_port from what was
// requested).
func ParseTransport(v string) (serverPort, controlPort, timingPort int, err error) {
	for _, part := range strings.Split(v, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]

		switch key {
		case "server_port":
			serverPort, err = firstPort(val)
		case "control_port":
			controlPort, err = firstPort(val)
		case "timing_port":
			timingPort, err = firstPort(val)
		}
		if err != nil {
			return 0, 0, 0, err
		}
	}
	return serverPort, controlPort, timingPort, nil
}

func firstPort(v string) (int, error) {
	v = strings.SplitN(v, "-", 2)[0]
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("malformed port %q: %w", v, err)
	}
	return n, nil
}
