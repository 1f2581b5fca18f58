package raopcore

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampVolume(t *testing.T) {
	require.Equal(t, -100.0, clampVolume(-150, -100, 0))
	require.Equal(t, 0.0, clampVolume(10, -100, 0))
	require.Equal(t, -42.0, clampVolume(-42, -100, 0))
}

func TestFormatVolumeMutesAtOrBelowMinimum(t *testing.T) {
	require.Equal(t, strconv.FormatFloat(volumeMuted, 'f', 6, 64), formatVolume(volumeMinDB))
	require.Equal(t, strconv.FormatFloat(-30, 'f', 6, 64), formatVolume(-30))
}

func TestParseVolumeParameter(t *testing.T) {
	v, err := parseVolumeParameter([]byte("volume: -22.500000"))
	require.NoError(t, err)
	require.InDelta(t, -22.5, v, 1e-6)

	_, err = parseVolumeParameter([]byte("not a volume"))
	require.Error(t, err)
}

// TestBuildDMAPTextListAsdkFollowsLengthMs covers the bug fix: asdk (data
// kind) must flip on whether the track reports a duration, not on whether
// it has a title.
func TestBuildDMAPTextListAsdkFollowsLengthMs(t *testing.T) {
	withLength := buildDMAPTextList(OutputMetadata{LengthMs: 210000})
	require.Contains(t, string(withLength), "asdk"+string([]byte{0, 0, 0, 1, 0}))

	withTitleOnly := buildDMAPTextList(OutputMetadata{Title: "Some Track"})
	require.Contains(t, string(withTitleOnly), "asdk"+string([]byte{0, 0, 0, 1, 1}))
}

func TestDeriveRemoteControlIDIsDeterministic(t *testing.T) {
	require.Equal(t, deriveRemoteControlID("Living Room"), deriveRemoteControlID("Living Room"))
	require.NotEqual(t, deriveRemoteControlID("Living Room"), deriveRemoteControlID("Kitchen"))
}

func TestDeviceStateString(t *testing.T) {
	require.Equal(t, "closed", DeviceClosed.String())
	require.Equal(t, "tested", DeviceTested.String())
	require.Equal(t, "negotiated", DeviceNegotiated.String())
	require.Equal(t, "streaming", DeviceStreaming.String())
}

// fakeRTSPServer is a minimal single-connection RAOP speaker double, local
// to this package so device_test.go can drive a whole Test/Open/Close cycle
// without reaching into pkg/rtsp's unexported test helpers.
type fakeRTSPServer struct {
	ln   net.Listener
	done chan struct{}
}

func newFakeRTSPServer(t *testing.T, handle func(method, url string, header map[string]string, body []byte) (int, string, map[string]string, []byte)) (string, *fakeRTSPServer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeRTSPServer{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })

	go func() {
		defer close(s.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		rb := bufio.NewReader(conn)
		bw := bufio.NewWriter(conn)

		for {
			line, err := rb.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			parts := strings.SplitN(line, " ", 3)
			if len(parts) < 2 {
				return
			}
			method, url := parts[0], parts[1]

			header := make(map[string]string)
			contentLen := 0
			for {
				hline, err := rb.ReadString('\n')
				if err != nil {
					return
				}
				hline = strings.TrimRight(hline, "\r\n")
				if hline == "" {
					break
				}
				i := strings.IndexByte(hline, ':')
				if i < 0 {
					continue
				}
				key := strings.ToLower(strings.TrimSpace(hline[:i]))
				val := strings.TrimSpace(hline[i+1:])
				header[key] = val
				if key == "content-length" {
					contentLen, _ = strconv.Atoi(val)
				}
			}
			var reqBody []byte
			if contentLen > 0 {
				reqBody = make([]byte, contentLen)
				if _, err := readFullLocal(rb, reqBody); err != nil {
					return
				}
			}

			code, msg, respHeader, body := handle(method, url, header, reqBody)
			fmt.Fprintf(bw, "RTSP/1.0 %d %s\r\n", code, msg)
			for k, v := range respHeader {
				fmt.Fprintf(bw, "%s: %s\r\n", k, v)
			}
			if len(body) > 0 {
				fmt.Fprintf(bw, "Content-Length: %d\r\n", len(body))
			}
			bw.WriteString("\r\n")
			if len(body) > 0 {
				bw.Write(body)
			}
			bw.Flush()

			if method == "TEARDOWN" {
				return
			}
		}
	}()

	return ln.Addr().String(), s
}

// wait blocks until the scripted connection loop has ended (the device
// closed it via TEARDOWN or the peer dropped), establishing happens-before
// for inspecting anything the handle callback recorded.
func (s *fakeRTSPServer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake RTSP server did not finish in time")
	}
}

func readFullLocal(rb *bufio.Reader, buf []byte) (int, error) {
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

// TestDeviceOpenNegotiatesAndStartsStreaming exercises Device.Open end to
// end against a scripted speaker: ANNOUNCE/SETUP/RECORD must all succeed,
// the negotiated UDP addresses must come back from SETUP's Transport
// header, and the device must transition to DeviceStreaming.
func TestDeviceOpenNegotiatesAndStartsStreaming(t *testing.T) {
	addr, srv := newFakeRTSPServer(t, func(method, url string, header map[string]string, body []byte) (int, string, map[string]string, []byte) {
		switch method {
		case "SETUP":
			return 200, "OK", map[string]string{
				"Transport":         "RTP/AVP/UDP;unicast;mode=record;server_port=7000;control_port=7001;timing_port=7002",
				"Audio-Jack-Status": "connected; type=analog",
			}, nil
		default:
			return 200, "OK", nil, nil
		}
	})

	env := NewEnvironment()
	e, err := NewEngine(env)
	require.NoError(t, err)
	require.NoError(t, e.Reinit(context.Background()))
	t.Cleanup(e.Stop)

	info := DeviceInfo{Type: DeviceTypeAPX, Name: "kitchen", Addr: Addr{Host: "127.0.0.1"}}
	dev := NewDevice(info, e, env)

	status, err := dev.Test(addr, false)
	require.NoError(t, err)
	require.Equal(t, 200, status)
	require.Equal(t, DeviceTested, dev.State())

	jack, err := dev.Open(addr, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, JackConnected, jack)
	require.Equal(t, DeviceStreaming, dev.State())

	require.Equal(t, 7000, dev.AudioAddr().Port)
	require.Equal(t, 7001, dev.ControlAddr().Port)
	require.Equal(t, 7002, dev.TimingAddr().Port)

	require.NoError(t, dev.Close())
	require.Equal(t, DeviceClosed, dev.State())
	srv.wait(t)
}

// TestDeviceVolumeMetadataAndProgressRoundTrip opens a device capable of
// metadata/progress (spec.md §4.5's capability table, DeviceTypeAVR) and
// exercises PutVolume/GetVolume/UpdateMetadata/UpdateProgress against a
// scripted speaker, asserting the bodies/headers it actually sent.
func TestDeviceVolumeMetadataAndProgressRoundTrip(t *testing.T) {
	type captured struct {
		method, url string
		header      map[string]string
		body        []byte
	}
	var gotRequests []captured

	addr, srv := newFakeRTSPServer(t, func(method, url string, header map[string]string, body []byte) (int, string, map[string]string, []byte) {
		gotRequests = append(gotRequests, captured{method, url, header, body})
		switch method {
		case "SETUP":
			return 200, "OK", map[string]string{
				"Transport": "RTP/AVP/UDP;unicast;mode=record;server_port=7000;control_port=7001;timing_port=7002",
			}, nil
		case "GET_PARAMETER":
			return 200, "OK", nil, []byte("volume: -18.000000")
		default:
			return 200, "OK", nil, nil
		}
	})

	env := NewEnvironment()
	e, err := NewEngine(env)
	require.NoError(t, err)
	require.NoError(t, e.Reinit(context.Background()))
	t.Cleanup(e.Stop)

	info := DeviceInfo{Type: DeviceTypeAVR, Name: "den", Addr: Addr{Host: "127.0.0.1"}}
	dev := NewDevice(info, e, env)

	_, err = dev.Test(addr, false)
	require.NoError(t, err)
	_, err = dev.Open(addr, "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, dev.PutVolume(-10))
	v, err := dev.GetVolume()
	require.NoError(t, err)
	require.InDelta(t, -18.0, v, 1e-6)

	require.NoError(t, dev.UpdateMetadata(OutputMetadata{Title: "A Song", LengthMs: 180000}))
	require.NoError(t, dev.UpdateProgress(0, 500, 180000))

	require.NoError(t, dev.Close())
	srv.wait(t)

	var sawVolume, sawMetadata, sawProgress bool
	for _, r := range gotRequests {
		if r.method == "SET_PARAMETER" && strings.Contains(string(r.body), "volume:") {
			sawVolume = true
			require.Contains(t, string(r.body), formatVolume(-10))
		}
		if r.method == "SET_PARAMETER" && r.header["content-type"] == "application/x-dmap-tagged" {
			sawMetadata = true
			require.Contains(t, string(r.body), "A Song")
		}
		if r.method == "SET_PARAMETER" && strings.Contains(string(r.body), "0/500/180000") {
			sawProgress = true
		}
	}
	require.True(t, sawVolume, "expected a volume SET_PARAMETER")
	require.True(t, sawMetadata, "expected a metadata SET_PARAMETER")
	require.True(t, sawProgress, "expected a progress SET_PARAMETER")
}
