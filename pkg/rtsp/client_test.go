package rtsp

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordedRequest is one request a fakeServer captured off the wire.
type recordedRequest struct {
	method string
	url    string
	header map[string]string
	body   []byte
}

// cannedResponse is what fakeServer writes back for one request.
type cannedResponse struct {
	code    int
	message string
	header  map[string]string
	body    []byte
}

// fakeServer is a minimal single-connection RAOP speaker double: it reads
// requests off the wire in the shape pkg/base.Request.Write produces and
// answers with a scripted sequence of responses, recording every request
// it saw for assertions.
type fakeServer struct {
	ln        net.Listener
	responses []cannedResponse
	requests  []recordedRequest
	done      chan struct{}
}

func newFakeServer(t *testing.T, responses []cannedResponse) (*fakeServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, responses: responses, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })

	go s.serve()

	return s, ln.Addr().String()
}

// wait blocks until the server has exchanged its whole scripted response
// sequence (or the conn dropped early), establishing happens-before for
// reading s.requests from the test goroutine.
func (s *fakeServer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server did not finish its scripted exchange in time")
	}
}

func (s *fakeServer) serve() {
	defer close(s.done)

	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	for i := 0; i < len(s.responses); i++ {
		req, err := readRequest(rw.Reader)
		if err != nil {
			return
		}
		s.requests = append(s.requests, req)

		if err := writeResponse(rw.Writer, s.responses[i]); err != nil {
			return
		}
	}
}

func readRequest(rb *bufio.Reader) (recordedRequest, error) {
	line, err := rb.ReadString('\n')
	if err != nil {
		return recordedRequest{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return recordedRequest{}, fmt.Errorf("malformed request line: %q", line)
	}

	req := recordedRequest{method: parts[0], url: parts[1], header: make(map[string]string)}

	for {
		hline, err := rb.ReadString('\n')
		if err != nil {
			return recordedRequest{}, err
		}
		hline = strings.TrimRight(hline, "\r\n")
		if hline == "" {
			break
		}
		i := strings.IndexByte(hline, ':')
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(hline[:i])
		val := strings.TrimSpace(hline[i+1:])
		req.header[strings.ToLower(key)] = val
	}

	if cl := req.header["content-length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return recordedRequest{}, err
		}
		buf := make([]byte, n)
		if _, err := readFullTest(rb, buf); err != nil {
			return recordedRequest{}, err
		}
		req.body = buf
	}

	return req, nil
}

func readFullTest(rb *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := rb.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeResponse(bw *bufio.Writer, res cannedResponse) error {
	if _, err := bw.WriteString(fmt.Sprintf("RTSP/1.0 %d %s\r\n", res.code, res.message)); err != nil {
		return err
	}
	for k, v := range res.header {
		if _, err := bw.WriteString(k + ": " + v + "\r\n"); err != nil {
			return err
		}
	}
	if len(res.body) > 0 {
		if _, err := bw.WriteString("Content-Length: " + strconv.Itoa(len(res.body)) + "\r\n"); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(res.body) > 0 {
		if _, err := bw.Write(res.body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func dialFake(t *testing.T, addr string, opts Options) *Client {
	t.Helper()
	c, err := Dial(addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDoOptionsSendsAppleChallengeHeader(t *testing.T) {
	srv, addr := newFakeServer(t, []cannedResponse{
		{code: 200, message: "OK"},
	})

	c := dialFake(t, addr, Options{UserAgent: "raopcore/test"})

	var challenge [16]byte
	copy(challenge[:], "sixteen-byte-ch!")
	_, err := c.DoOptions(&challenge)
	require.NoError(t, err)

	srv.wait(t)
	require.Len(t, srv.requests, 1)
	require.Equal(t, "OPTIONS", srv.requests[0].method)
	require.NotEmpty(t, srv.requests[0].header["apple-challenge"])
}

// TestDigestRetryOnUnauthorized covers Testable Scenario S4: a 401 with a
// Digest challenge triggers exactly one retry carrying a correctly-built
// Authorization header, and the retried request succeeds.
func TestDigestRetryOnUnauthorized(t *testing.T) {
	srv, addr := newFakeServer(t, []cannedResponse{
		{code: 401, message: "Unauthorized", header: map[string]string{
			"WWW-Authenticate": `Digest realm="testrealm", nonce="0A1B2C3D"`,
		}},
		{code: 200, message: "OK"},
	})

	c := dialFake(t, addr, Options{
		UserAgent: "raopcore/test",
		Password:  func() (string, bool) { return "secret", true },
	})

	res, err := c.DoAnnounce("rtsp://127.0.0.1/1", "127.0.0.1", "1", "", "", AnnounceFormat{
		FramesPerPacket: 352, BitsPerSample: 16, Channels: 2, SampleRate: 44100,
	})
	require.NoError(t, err)
	require.Equal(t, 200, int(res.StatusCode))

	srv.wait(t)
	require.Len(t, srv.requests, 2)
	require.Empty(t, srv.requests[0].header["authorization"])
	require.NotEmpty(t, srv.requests[1].header["authorization"])
	require.Contains(t, srv.requests[1].header["authorization"], `username="iTunes"`)
}

func TestDoSetupParsesTransportAndLatency(t *testing.T) {
	_, addr := newFakeServer(t, []cannedResponse{
		{code: 200, message: "OK", header: map[string]string{
			"Transport":         "RTP/AVP/UDP;unicast;mode=record;server_port=6000;control_port=6001;timing_port=6002",
			"Audio-Latency":     "11025",
			"Audio-Jack-Status": "connected; type=analog",
		}},
	})

	c := dialFake(t, addr, Options{UserAgent: "raopcore/test"})
	res, err := c.DoSetup("rtsp://127.0.0.1/1", 7001, 7002)
	require.NoError(t, err)
	require.Equal(t, 6000, res.ServerPort)
	require.Equal(t, 6001, res.ControlPort)
	require.Equal(t, 6002, res.TimingPort)
	require.Equal(t, 11025, res.AudioLatency)
	require.Equal(t, "connected", res.AudioJackStatus)
}

func TestDoRecordReturnsStatusErrorOnNon200(t *testing.T) {
	_, addr := newFakeServer(t, []cannedResponse{
		{code: 453, message: "Not Enough Bandwidth"},
	})

	c := dialFake(t, addr, Options{UserAgent: "raopcore/test"})
	_, err := c.DoRecord("rtsp://127.0.0.1/1", 100, 5000)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 453, statusErr.StatusCode())
}
