// Package rtsp implements the RAOP RTSP client: the request/response
// exchange over TCP, the 401/Digest retry loop, and the Apple-Challenge/
// Apple-Response RSA verification, scoped to the handful of methods an
// AirPlay v1 speaker understands.
package rtsp

import (
	"bufio"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/airstream-project/raopcore/pkg/auth"
	"github.com/airstream-project/raopcore/pkg/base"
	"github.com/airstream-project/raopcore/pkg/headers"
)

// dialTimeout bounds the initial TCP connect, matching the teacher's
// pattern of never blocking indefinitely on a peer that never answers.
const dialTimeout = 5 * time.Second

// StatusError is returned by DoAnnounce/DoSetup/DoRecord when the peer
// answers with anything other than 200 OK, so callers can distinguish
// e.g. 453 "already in use by another player" from a general failure,
// spec.md §4.6 step 5.
type StatusError struct {
	Method  base.Method
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rtsp: %s: %d %s", e.Method, e.Code, e.Message)
}

func (e *StatusError) StatusCode() int { return e.Code }

func checkOK(req *base.Request, res *base.Response) error {
	if res.StatusCode == base.StatusOK {
		return nil
	}
	return &StatusError{Method: req.Method, Code: int(res.StatusCode), Message: res.StatusMessage}
}

// Client is a connection to one RAOP speaker's RTSP control endpoint.
// Not safe for concurrent use: a Device serializes its own calls.
type Client struct {
	conn   net.Conn
	rw     *bufio.ReadWriter
	cseq   int
	userAgent string
	session   string

	digest   *auth.Digest
	password func() (string, bool)

	clientInstance string
	activeRemote   string
	dacpID         string
}

// Options configures a Client at Dial time.
type Options struct {
	UserAgent      string
	ClientInstance string
	ActiveRemote   string
	DACPID         string
	// Password is consulted on a 401 response; it returns the device's
	// password and whether one is available at all.
	Password func() (string, bool)
}

// Dial opens a TCP connection to addr and returns a ready Client.
func Dial(addr string, opts Options) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rtsp: dial %s: %w", addr, err)
	}
	return &Client{
		conn:           conn,
		rw:             bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		userAgent:      opts.UserAgent,
		clientInstance: opts.ClientInstance,
		activeRemote:   opts.ActiveRemote,
		dacpID:         opts.DACPID,
		password:       opts.Password,
	}, nil
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsOpen reports whether the connection still looks alive. pollConnection
// additionally does a non-blocking read to detect a peer-closed socket
// (spec.md §4.5 isOpen(pollConnection)).
func (c *Client) IsOpen(pollConnection bool) bool {
	if c.conn == nil {
		return false
	}
	if !pollConnection {
		return true
	}
	tc, ok := c.conn.(*net.TCPConn)
	if !ok {
		return true
	}
	tc.SetReadDeadline(time.Now())
	buf := make([]byte, 1)
	n, err := tc.Read(buf)
	tc.SetReadDeadline(time.Time{})
	if n == 0 && err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return true
		}
		return false
	}
	return true
}

// do sends req, retrying once with a Digest Authorization header if the
// peer answers 401, per spec.md §4.3.
func (c *Client) do(req *base.Request) (*base.Response, error) {
	res, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != base.StatusUnauthorized {
		return res, nil
	}

	challenge, ok := headers.ParseWWWAuthenticate(res.Header.Get("WWW-Authenticate"))
	if !ok {
		return res, nil
	}
	c.digest = auth.NewDigest(challenge)

	if c.password == nil {
		return res, nil
	}
	pass, ok := c.password()
	if !ok {
		return res, nil
	}

	req.Header.Set("Authorization", c.digest.Authorization(string(req.Method), req.URL, pass))
	return c.roundTrip(req)
}

func (c *Client) roundTrip(req *base.Request) (*base.Response, error) {
	c.cseq++
	if req.Header == nil {
		req.Header = make(base.Header)
	}
	req.Header.Set("CSeq", strconv.Itoa(c.cseq))
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.session != "" {
		req.Header.Set("Session", c.session)
	}
	if c.activeRemote != "" {
		req.Header.Set("Active-Remote", c.activeRemote)
	}
	if c.dacpID != "" {
		req.Header.Set("DACP-ID", c.dacpID)
	}
	if c.clientInstance != "" {
		req.Header.Set("Client-Instance", c.clientInstance)
	}

	if err := req.Write(c.rw.Writer); err != nil {
		return nil, fmt.Errorf("rtsp: writing request: %w", err)
	}

	res, err := base.ReadResponse(c.rw.Reader)
	if err != nil {
		return nil, fmt.Errorf("rtsp: reading response: %w", err)
	}

	if s := res.Header.Get("Session"); s != "" {
		c.session = s
	}

	return res, nil
}

// DoOptions implements spec.md §4.3 doOptions. challenge is 16 random
// bytes; pass nil to omit Apple-Challenge entirely (useRsa = false).
func (c *Client) DoOptions(challenge *[16]byte) (*base.Response, error) {
	req := &base.Request{Method: base.Options, URL: "*", Header: make(base.Header)}
	if challenge != nil {
		req.Header.Set("Apple-Challenge", base64.RawStdEncoding.EncodeToString(challenge[:]))
	}
	return c.do(req)
}

// VerifyAppleResponse checks a doOptions response's Apple-Response header
// against the challenge that was sent, per spec.md §4.3's decode/verify
// steps. Returns nil if no Apple-Response was present (unsecured peer).
func VerifyAppleResponse(pub *rsa.PublicKey, challenge [16]byte, res *base.Response) error {
	resp := res.Header.Get("Apple-Response")
	if resp == "" {
		return nil
	}
	return VerifyAppleChallenge(pub, challenge, resp)
}

// AnnounceFormat is the fixed ALAC fmtp parameter set, spec.md §4.3.
type AnnounceFormat struct {
	FramesPerPacket int
	BitsPerSample   int
	Channels        int
	SampleRate      int
}

// DoAnnounce sends the SDP ANNOUNCE body; aesKeyB64/aesIVB64 are empty for
// an unsecured session.
func (c *Client) DoAnnounce(uri, host, sessionID, aesKeyB64, aesIVB64 string, fmtParams AnnounceFormat) (*base.Response, error) {
	body := buildAnnounceSDP(host, sessionID, aesKeyB64, aesIVB64, fmtParams)

	req := &base.Request{
		Method:  base.Announce,
		URL:     uri,
		Header:  make(base.Header),
		Content: body,
	}
	req.Header.Set("Content-Type", "application/sdp")
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return res, checkOK(req, res)
}

func buildAnnounceSDP(host, sessionID, aesKeyB64, aesIVB64 string, f AnnounceFormat) []byte {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "iTunes",
			SessionID:      1,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "iTunes",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 0},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"96"},
				},
				Attributes: announceAttributes(aesKeyB64, aesIVB64, f),
			},
		},
	}

	out, err := sd.Marshal()
	if err != nil {
		// buildAnnounceSDP's inputs are all well-formed by construction;
		// Marshal cannot fail for this fixed shape.
		return nil
	}
	return out
}

func announceAttributes(aesKeyB64, aesIVB64 string, f AnnounceFormat) []sdp.Attribute {
	attrs := []sdp.Attribute{
		{Key: "rtpmap", Value: "96 AppleLossless"},
		{Key: "fmtp", Value: fmt.Sprintf(
			"96 %d 0 %d 40 10 14 %d 255 0 0 %d",
			f.FramesPerPacket, f.BitsPerSample, f.Channels, f.SampleRate,
		)},
	}
	if aesKeyB64 != "" {
		attrs = append(attrs, sdp.Attribute{Key: "rsaaeskey", Value: aesKeyB64})
	}
	if aesIVB64 != "" {
		attrs = append(attrs, sdp.Attribute{Key: "aesiv", Value: aesIVB64})
	}
	return attrs
}

// SetupResult is what doSetup parses back from a SETUP response.
type SetupResult struct {
	ServerPort      int
	ControlPort     int
	TimingPort      int
	AudioLatency    int // 0 if not reported
	AudioJackStatus string
}

// DoSetup sends SETUP with a unicast/interleaved Transport offering
// controlPort/timingPort, and parses the refined ports/latency/jack
// status back, per spec.md §4.3.
func (c *Client) DoSetup(uri string, controlPort, timingPort int) (*SetupResult, error) {
	t := headers.Transport{ControlPort: controlPort, TimingPort: timingPort}
	req := &base.Request{Method: base.Setup, URL: uri, Header: make(base.Header)}
	req.Header.Set("Transport", t.Write())

	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := checkOK(req, res); err != nil {
		return nil, err
	}

	serverPort, ctlPort, timPort, err := headers.ParseTransport(res.Header.Get("Transport"))
	if err != nil {
		return nil, fmt.Errorf("rtsp: parsing SETUP Transport: %w", err)
	}
	if ctlPort == 0 {
		ctlPort = controlPort
	}
	if timPort == 0 {
		timPort = timingPort
	}

	result := &SetupResult{ServerPort: serverPort, ControlPort: ctlPort, TimingPort: timPort}

	if v := res.Header.Get("Audio-Latency"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			result.AudioLatency = n
		}
	}
	result.AudioJackStatus = parseJackStatus(res.Header.Get("Audio-Jack-Status"))

	return result, nil
}

func parseJackStatus(v string) string {
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if part == "connected" || part == "disconnected" {
			return part
		}
	}
	return ""
}

// DoRecord sends RECORD with Range: npt=0- and RTP-Info carrying seq/time,
// per spec.md §4.3.
func (c *Client) DoRecord(uri string, seq uint16, rtpTime uint32) (*base.Response, error) {
	req := &base.Request{Method: base.Record, URL: uri, Header: make(base.Header)}
	req.Header.Set("Range", "npt=0-")
	req.Header.Set("RTP-Info", headers.RTPInfo{Seq: seq, Time: rtpTime}.Write())
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return res, checkOK(req, res)
}

// DoFlush sends FLUSH with RTP-Info carrying the seq/time to resume from.
func (c *Client) DoFlush(uri string, seq uint16, rtpTime uint32) (*base.Response, error) {
	req := &base.Request{Method: base.Flush, URL: uri, Header: make(base.Header)}
	req.Header.Set("RTP-Info", headers.RTPInfo{Seq: seq, Time: rtpTime}.Write())
	return c.do(req)
}

// DoTeardown sends TEARDOWN.
func (c *Client) DoTeardown(uri string) (*base.Response, error) {
	return c.do(&base.Request{Method: base.Teardown, URL: uri, Header: make(base.Header)})
}

// DoGetParameter sends GET_PARAMETER for a single text/parameters
// parameter name.
func (c *Client) DoGetParameter(uri, name string) (*base.Response, error) {
	req := &base.Request{
		Method:  base.GetParameter,
		URL:     uri,
		Header:  make(base.Header),
		Content: []byte(name + "\r\n"),
	}
	req.Header.Set("Content-Type", "text/parameters")
	return c.do(req)
}

// DoSetParameter sends SET_PARAMETER for a single text/parameters
// name=value pair (used for volume and progress).
func (c *Client) DoSetParameter(uri, name, value string) (*base.Response, error) {
	req := &base.Request{
		Method:  base.SetParameter,
		URL:     uri,
		Header:  make(base.Header),
		Content: []byte(fmt.Sprintf("%s: %s\r\n", name, value)),
	}
	req.Header.Set("Content-Type", "text/parameters")
	return c.do(req)
}

// DoSetParameterBinary sends SET_PARAMETER with an opaque content type and
// body (DMAP metadata lists, artwork bytes), tagged with rtpTime via
// RTP-Info the way spec.md §4.5 updateMetadata/updateProgress requires.
func (c *Client) DoSetParameterBinary(uri, contentType string, body []byte, rtpTime uint32) (*base.Response, error) {
	req := &base.Request{
		Method:  base.SetParameter,
		URL:     uri,
		Header:  make(base.Header),
		Content: body,
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("RTP-Info", headers.RTPInfo{Time: rtpTime}.Write())
	return c.do(req)
}
