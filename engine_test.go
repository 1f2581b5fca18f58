package raopcore

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeEngineDevice is a minimal EngineDevice backed by real loopback UDP
// sockets, so the engine's sender/control/timing goroutines exercise real
// network round trips against a simulated speaker.
type fakeEngineDevice struct {
	key     string
	secured bool
	audio   *net.UDPAddr
	control *net.UDPAddr
	timing  *net.UDPAddr
}

func (d *fakeEngineDevice) Key() string               { return d.key }
func (d *fakeEngineDevice) Secured() bool             { return d.secured }
func (d *fakeEngineDevice) AudioAddr() *net.UDPAddr   { return d.audio }
func (d *fakeEngineDevice) ControlAddr() *net.UDPAddr { return d.control }
func (d *fakeEngineDevice) TimingAddr() *net.UDPAddr  { return d.timing }

func newLoopbackSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	env := NewEnvironment()
	e, err := NewEngine(env)
	require.NoError(t, err)
	require.NoError(t, e.Reinit(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

// TestWriteStoresMatchingClearAndSecuredSlots covers Testable Property 3:
// decrypting the secured stream's whole-block prefix reproduces the clear
// stream's bytes for the same sequence number.
func TestWriteStoresMatchingClearAndSecuredSlots(t *testing.T) {
	e := newTestEngine(t)

	e.mu.Lock()
	seq := e.seqIncoming
	e.mu.Unlock()

	require.NoError(t, e.Write(make([]byte, RAOPPacketMaxDataSize)))

	clearSlot, ok := e.clearBuf.Get(seq)
	require.True(t, ok)
	securedSlot, ok := e.securedBuf.Get(seq)
	require.True(t, ok)

	const headerLen = 12
	clearPayload := clearSlot.Payload[headerLen:]
	securedPayload := securedSlot.Payload[headerLen:]

	decrypted := e.keys.decryptCBC(securedPayload)
	require.Equal(t, clearPayload[:len(decrypted)], decrypted)
}

// TestSenderEmitsSequentialPacketsWithConsistentSSRC covers Testable
// Property 1 and 2: each written frame is delivered exactly once, in
// sequence, tagged with one stable ssrc, and rtpTimeOutgoing advances by
// exactly the number of samples written.
func TestSenderEmitsSequentialPacketsWithConsistentSSRC(t *testing.T) {
	e := newTestEngine(t)

	audioSock := newLoopbackSocket(t)
	controlSock := newLoopbackSocket(t)
	dev := &fakeEngineDevice{
		key:     "speaker-1",
		audio:   audioSock.LocalAddr().(*net.UDPAddr),
		control: controlSock.LocalAddr().(*net.UDPAddr),
	}
	e.Attach(dev)

	const packets = 5
	for i := 0; i < packets; i++ {
		require.NoError(t, e.Write(make([]byte, RAOPPacketMaxDataSize)))
	}

	var (
		firstSeq uint16
		ssrc     uint32
		gotFirst bool
	)
	buf := make([]byte, 2048)
	for i := 0; i < packets; i++ {
		require.NoError(t, audioSock.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, err := audioSock.Read(buf)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 12)

		seq := binary.BigEndian.Uint16(buf[2:4])
		pktSSRC := binary.BigEndian.Uint32(buf[8:12])

		if !gotFirst {
			require.Equal(t, byte(0xA0), buf[0], "first data packet must set the marker bit in byte0")
			firstSeq = seq
			ssrc = pktSSRC
			gotFirst = true
		} else {
			require.Equal(t, byte(0x80), buf[0])
			require.Equal(t, ssrc, pktSSRC, "ssrc must stay constant across a session")
			require.Equal(t, firstSeq+uint16(i), seq, "sequence numbers must increment by exactly one per packet")
		}
		require.Equal(t, byte(ptData), buf[1])
	}

	e.mu.Lock()
	rtpTimeInitial, rtpTimeOutgoing, samplesWritten := e.rtpTimeInitial, e.timeOutgoing, e.samplesWritten
	e.mu.Unlock()
	require.Equal(t, samplesWritten, int64(rtpTimeOutgoing-rtpTimeInitial))
}

// TestSyncPacketCarriesOutgoingLatencyOffset covers Testable Property 5
// end to end: the engine's own sender loop emits a sync packet whose
// rtpTimeLessLatency field is rtpTime-77175.
func TestSyncPacketCarriesOutgoingLatencyOffset(t *testing.T) {
	e := newTestEngine(t)

	audioSock := newLoopbackSocket(t)
	controlSock := newLoopbackSocket(t)
	dev := &fakeEngineDevice{
		key:     "speaker-1",
		audio:   audioSock.LocalAddr().(*net.UDPAddr),
		control: controlSock.LocalAddr().(*net.UDPAddr),
	}
	e.Attach(dev)

	require.NoError(t, e.Write(make([]byte, RAOPPacketMaxDataSize)))

	buf := make([]byte, 2048)
	require.NoError(t, controlSock.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := controlSock.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.Equal(t, byte(0x90), buf[0], "first sync of a session sets the extension bit")
	require.Equal(t, byte(ptSync), buf[1])

	rtpTime := binary.BigEndian.Uint32(buf[12:16])
	rtpTimeLessLatency := binary.BigEndian.Uint32(buf[16:20])
	require.Equal(t, rtpTime-nominalBufferTicks, rtpTimeLessLatency)
}

// TestTimingLoopReflectsSendTime covers Testable Property 6: the timing
// response's referenceTime field echoes the request's sendTime verbatim.
func TestTimingLoopReflectsSendTime(t *testing.T) {
	e := newTestEngine(t)

	client := newLoopbackSocket(t)
	engineAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: e.TimingPort()}

	req := make([]byte, 32)
	const sendTime = uint64(0x0102030405060708)
	binary.BigEndian.PutUint64(req[24:32], sendTime)

	_, err := client.WriteToUDP(req, engineAddr)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	require.Equal(t, byte(ptTimingR), buf[1])
	require.Equal(t, sendTime, binary.BigEndian.Uint64(buf[8:16]))
}

// TestResendRespondsWithinAgeWindow covers Testable Property 4/7: a resend
// request for a still-retained sequence number gets back the exact bytes
// originally sent for that sequence.
func TestResendRespondsWithinAgeWindow(t *testing.T) {
	e := newTestEngine(t)

	audioSock := newLoopbackSocket(t)
	controlSock := newLoopbackSocket(t)
	dev := &fakeEngineDevice{
		key:     "speaker-1",
		audio:   audioSock.LocalAddr().(*net.UDPAddr),
		control: controlSock.LocalAddr().(*net.UDPAddr),
	}
	e.Attach(dev)

	require.NoError(t, e.Write(make([]byte, RAOPPacketMaxDataSize)))

	original := make([]byte, 2048)
	require.NoError(t, audioSock.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := audioSock.Read(original)
	require.NoError(t, err)
	original = original[:n]
	missedSeq := binary.BigEndian.Uint16(original[2:4])

	req := make([]byte, 8)
	req[0] = 0x80
	req[1] = ptResend
	binary.BigEndian.PutUint16(req[4:6], missedSeq)
	binary.BigEndian.PutUint16(req[6:8], 1)
	_, err = controlSock.WriteToUDP(req, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: e.ControlPort()})
	require.NoError(t, err)

	resp := make([]byte, 2048)
	require.NoError(t, audioSock.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = audioSock.Read(resp)
	require.NoError(t, err)
	resp = resp[:n]

	require.Equal(t, byte(ptResendR), resp[1])
	require.Equal(t, original, resp[4:], "resend response must wrap the exact originally-sent bytes")
}

// TestResetRewindsIncomingToOutgoing covers spec.md §4.4 reset(): after
// Reset, rtpTimeIncoming/seqIncoming track rtpTimeOutgoing/seqOutgoing and
// samplesWritten is cleared.
func TestResetRewindsIncomingToOutgoing(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Write(make([]byte, RAOPPacketMaxDataSize)))

	e.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Equal(t, e.seqOutgoing, e.seqIncoming)
	require.Equal(t, e.timeOutgoing, e.timeIncoming)
	require.Zero(t, e.samplesWritten)
	require.False(t, e.streamStarted)
}
