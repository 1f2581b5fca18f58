package raopcore

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airstream-project/raopcore/pkg/alac"
	"github.com/airstream-project/raopcore/pkg/ntp"
)

const (
	// RAOPPacketMaxDataSize is 352 frames * 4 bytes/frame (16-bit stereo),
	// spec.md §4.4.
	RAOPPacketMaxDataSize = 352 * 4
	framesPerPacket       = 352

	syncInterval    = time.Second
	senderIdleSleep = time.Millisecond

	controlSocketStartPort = 6001
	timingSocketStartPort  = 6002
	socketProbeAttempts    = 32
)

// EngineDevice is the subset of Device the Engine needs to fan a send out
// to an attached speaker: where to send data/sync packets, and whether the
// stream is secured for it. Device (spec.md §4.5) implements this.
type EngineDevice interface {
	Key() string
	Secured() bool
	AudioAddr() *net.UDPAddr
	ControlAddr() *net.UDPAddr
	TimingAddr() *net.UDPAddr
}

// Observer is notified after every successful send, carrying the
// pre-pad/pre-encode length so outer progress reporting stays correct
// (spec.md §4.4 write()).
type Observer func(originalSize int)

// Engine is the RAOP Engine (spec.md §4.4): AES/RSA key lifecycle, RTP
// data/sync/timing/resend loops, fanned out to every attached Device.
type Engine struct {
	env *Environment
	log zerolog.Logger

	pub *rsa.PublicKey

	mu      sync.Mutex
	keys    *sessionKeys
	devices map[string]EngineDevice

	securedBuf *PacketBuffer
	clearBuf   *PacketBuffer

	seqIncoming, seqOutgoing   uint16
	timeIncoming, timeOutgoing uint32
	rtpTimeInitial             uint32
	ssrc                       uint32
	samplesWritten             int64
	audioLatencySamples        int

	firstDataTime time.Time
	streamStarted bool
	lastSyncAt    time.Time
	sessionStart  bool // true until the first sync of the session is sent

	encoder *alac.Encoder

	observer Observer

	// intervalTranslator, if set, is invoked on Reinit with the signed
	// rtpTime delta (new initial rtpTime - old initial rtpTime) so a
	// caller tracking chapter-boundary progress can re-anchor it,
	// spec.md §4.4 reinit step 5.
	intervalTranslator func(delta int32)

	dataConn    *net.UDPConn
	controlConn *net.UDPConn
	timingConn  *net.UDPConn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs an idle Engine. Call Reinit before the first Write
// of a session.
func NewEngine(env *Environment) (*Engine, error) {
	pub, err := raopPublicKey()
	if err != nil {
		return nil, err
	}
	return &Engine{
		env:                 env,
		log:                 env.Log,
		pub:                 pub,
		devices:             make(map[string]EngineDevice),
		securedBuf:          NewPacketBuffer(),
		clearBuf:            NewPacketBuffer(),
		audioLatencySamples: 11025,
	}, nil
}

// SetIntervalTranslator installs the chapter-boundary re-anchoring hook
// (spec.md §4.4 reinit step 5).
func (e *Engine) SetIntervalTranslator(fn func(delta int32)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intervalTranslator = fn
}

// SetObserver installs the post-send progress callback.
func (e *Engine) SetObserver(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = obs
}

// Attach adds a device to the fan-out set; Detach removes it.
func (e *Engine) Attach(d EngineDevice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices[d.Key()] = d
}

func (e *Engine) Detach(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.devices, key)
}

// EncodedKey and EncodedIV expose the session's base64, padding-stripped
// key material for Device.open's ANNOUNCE.
func (e *Engine) EncodedKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keys == nil {
		return ""
	}
	return e.keys.encodedKey
}

func (e *Engine) EncodedIV() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keys == nil {
		return ""
	}
	return e.keys.encodedIV
}

// OutgoingState returns the sender's current seq/rtpTime, for Device.open's
// RECORD RTP-Info and Device.close's FLUSH.
func (e *Engine) OutgoingState() (seq uint16, rtpTime uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqOutgoing, e.timeOutgoing
}

// IncomingState returns the producer's current seq/rtpTime: the clock
// tagging audio not yet sent to any device. spec.md §4.5 tags progress and
// metadata updates with this rtpTimeIncoming, not the sender's lagging
// rtpTimeOutgoing.
func (e *Engine) IncomingState() (seq uint16, rtpTime uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqIncoming, e.timeIncoming
}

// SetAudioLatency records a speaker-reported refinement (spec.md §4.5
// open()); the largest reported value across devices governs latency().
func (e *Engine) SetAudioLatency(samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if samples > e.audioLatencySamples {
		e.audioLatencySamples = samples
	}
}

// Latency returns the buffered latency in milliseconds for format,
// spec.md §4.4 latency(format): samplesToMs(PACKET_BUFFER_COUNT*352) +
// samplesToMs(audioLatency).
func (e *Engine) Latency(format OutputFormat) time.Duration {
	e.mu.Lock()
	samples := packetBufferCount*framesPerPacket + e.audioLatencySamples
	e.mu.Unlock()
	ms := int64(samples) * 1000 / int64(format.SampleRate)
	return time.Duration(ms) * time.Millisecond
}

// Reinit implements spec.md §4.4's Session init, steps 1-7. It stops any
// running sender/reactor goroutines before rebuilding state.
func (e *Engine) Reinit(ctx context.Context) error {
	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := newSessionKeys(e.env.Rand, e.pub)
	if err != nil {
		return fmt.Errorf("raop: reinit: %w", err)
	}
	e.keys = keys

	var seedBuf [8]byte
	if _, err := e.env.Rand.Read(seedBuf[:]); err != nil {
		return fmt.Errorf("raop: reinit: seeding rng: %w", err)
	}
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seedBuf[:])))) //nolint:gosec // session ids, not crypto keys

	oldRTPTimeInitial := e.rtpTimeInitial
	hadPriorInterval := e.streamStarted

	e.seqIncoming = uint16(rng.Uint32())
	e.seqOutgoing = e.seqIncoming
	e.rtpTimeInitial = rng.Uint32()
	e.timeIncoming = e.rtpTimeInitial
	e.timeOutgoing = e.rtpTimeInitial
	e.ssrc = rng.Uint32()
	e.samplesWritten = 0
	e.streamStarted = false
	e.sessionStart = true

	if hadPriorInterval && e.intervalTranslator != nil {
		e.intervalTranslator(int32(e.rtpTimeInitial - oldRTPTimeInitial))
	}

	e.securedBuf.Reset()
	e.clearBuf.Reset()

	e.encoder = alac.NewEncoder(alac.DefaultConfig)

	return e.startLocked(ctx)
}

// startLocked binds the control/timing sockets and launches the sender and
// reactor goroutines. Caller holds e.mu.
func (e *Engine) startLocked(ctx context.Context) error {
	controlConn, controlPort, err := bindUDPProbe(controlSocketStartPort)
	if err != nil {
		return fmt.Errorf("raop: binding control socket: %w", err)
	}
	timingConn, timingPort, err := bindUDPProbe(timingSocketStartPort)
	if err != nil {
		controlConn.Close()
		return fmt.Errorf("raop: binding timing socket: %w", err)
	}
	dataConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		controlConn.Close()
		timingConn.Close()
		return fmt.Errorf("raop: binding data socket: %w", err)
	}

	e.controlConn = controlConn
	e.timingConn = timingConn
	e.dataConn = dataConn

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(3)
	go e.senderLoop(runCtx)
	go e.controlLoop(runCtx)
	go e.timingLoop(runCtx)

	e.log.Info().Int("controlPort", controlPort).Int("timingPort", timingPort).Msg("raop engine started")
	return nil
}

// ControlPort and TimingPort are the locally bound ports Device.open
// passes to SETUP.
func (e *Engine) ControlPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.controlConn == nil {
		return 0
	}
	return e.controlConn.LocalAddr().(*net.UDPAddr).Port
}

func (e *Engine) TimingPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timingConn == nil {
		return 0
	}
	return e.timingConn.LocalAddr().(*net.UDPAddr).Port
}

// bindUDPProbe binds a UDP socket starting at startPort and probing
// upward until one succeeds, spec.md §4.4's "probes upward until bind
// succeeds" (Go has no SO_EXCLUSIVEADDRUSE; the OS default SO_REUSEADDR
// behavior on a fixed port is enough to make the probe loop meaningful).
func bindUDPProbe(startPort int) (*net.UDPConn, int, error) {
	var lastErr error
	for i := 0; i < socketProbeAttempts; i++ {
		port := startPort + i
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("raop: no free port after %d probes from %d: %w", socketProbeAttempts, startPort, lastErr)
}

// Stop halts the sender/reactor goroutines and closes the sockets. Safe to
// call when already stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	dataConn, controlConn, timingConn := e.dataConn, e.controlConn, e.timingConn
	e.dataConn, e.controlConn, e.timingConn = nil, nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dataConn != nil {
		dataConn.Close()
	}
	if controlConn != nil {
		controlConn.Close()
	}
	if timingConn != nil {
		timingConn.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Warn().Msg("raop engine: goroutines did not stop within 5s")
	}
}

// Write implements spec.md §4.4 write(): encode and encrypt one frame of
// up to RAOPPacketMaxDataSize bytes, producing one slot in each of the
// secured and clear packet buffers.
func (e *Engine) Write(buf []byte) error {
	if len(buf) > RAOPPacketMaxDataSize {
		return fmt.Errorf("raop: write: %d bytes exceeds max %d", len(buf), RAOPPacketMaxDataSize)
	}

	padded := buf
	originalSize := len(buf)
	if len(buf) < RAOPPacketMaxDataSize {
		padded = make([]byte, RAOPPacketMaxDataSize)
		copy(padded, buf)
		e.log.Debug().Int("len", len(buf)).Msg("raop engine: write padded to full packet with silence")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	encoded, err := e.encoder.Encode(padded)
	if err != nil {
		return fmt.Errorf("raop: write: alac encode: %w", err)
	}

	first := !e.streamStarted
	header, err := marshalDataHeader(first, e.seqIncoming, e.timeIncoming, e.ssrc)
	if err != nil {
		return fmt.Errorf("raop: write: header: %w", err)
	}

	clearPayload := append(append([]byte{}, header...), encoded...)
	e.clearBuf.Put(e.seqIncoming, clearPayload, originalSize, framesPerPacket)

	encrypted, tail := e.keys.encryptCBC(encoded)
	securedPayload := append(append([]byte{}, header...), append(encrypted, tail...)...)
	e.securedBuf.Put(e.seqIncoming, securedPayload, originalSize, framesPerPacket)

	frameCount := originalSize / Canonical.BytesPerFrame()
	if frameCount == 0 {
		frameCount = framesPerPacket
	}

	e.seqIncoming++
	e.timeIncoming += uint32(frameCount)

	if !e.streamStarted {
		e.streamStarted = true
		e.firstDataTime = e.env.Now()
	}

	return nil
}

// senderLoop is the sender thread of spec.md §4.4: periodic sync packets
// plus head-slot delivery paced to samplesWritten.
func (e *Engine) senderLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(senderIdleSleep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.senderTick()
		}
	}
}

func (e *Engine) senderTick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.streamStarted {
		return
	}

	now := e.env.Now()
	if e.sessionStart || now.Sub(e.lastSyncAt) >= syncInterval {
		e.emitSyncLocked(now)
	}

	if len(e.devices) == 0 || e.seqIncoming == e.seqOutgoing {
		return
	}

	elapsedSamples := samplesToMicros(e.samplesWritten, Canonical.SampleRate)
	if now.Sub(e.firstDataTime) < elapsedSamples {
		return
	}

	e.sendHeadSlotLocked()
}

func (e *Engine) emitSyncLocked(now time.Time) {
	pkt := newSyncPacket(e.sessionStart, ntp.Encode(now), e.timeOutgoing)
	e.sessionStart = false
	e.lastSyncAt = now

	wire := pkt.marshal()
	for _, d := range e.devices {
		addr := d.ControlAddr()
		if addr == nil || e.controlConn == nil {
			continue
		}
		if _, err := e.controlConn.WriteToUDP(wire, addr); err != nil {
			e.log.Debug().Err(err).Str("device", d.Key()).Msg("raop engine: sync send failed")
		}
	}
}

func (e *Engine) sendHeadSlotLocked() {
	securedSlot, secOK := e.securedBuf.Get(e.seqOutgoing)
	clearSlot, clrOK := e.clearBuf.Get(e.seqOutgoing)
	if !secOK || !clrOK {
		e.log.Warn().Uint16("seq", e.seqOutgoing).Msg("raop engine: head slot missing from packet buffer")
		e.seqOutgoing++
		return
	}

	for _, d := range e.devices {
		addr := d.AudioAddr()
		if addr == nil || e.dataConn == nil {
			continue
		}
		slot := clearSlot
		if d.Secured() {
			slot = securedSlot
		}
		if _, err := e.dataConn.WriteToUDP(slot.Payload, addr); err != nil {
			e.log.Debug().Err(err).Str("device", d.Key()).Msg("raop engine: data send failed")
		}
	}

	frameCount := clearSlot.FrameCount
	e.seqOutgoing++
	e.timeOutgoing += uint32(frameCount)
	e.samplesWritten += int64(frameCount)

	if e.observer != nil {
		obs, originalSize := e.observer, clearSlot.OriginalSize
		e.mu.Unlock()
		obs(originalSize)
		e.mu.Lock()
	}
}

func samplesToMicros(samples int64, sampleRate int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// controlLoop is the reactor half handling resend requests, spec.md
// §4.4's Control socket.
func (e *Engine) controlLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.mu.Lock()
		conn := e.controlConn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		e.handleControlPacket(buf[:n], from)
	}
}

func (e *Engine) handleControlPacket(buf []byte, from *net.UDPAddr) {
	if len(buf) < 2 || buf[1] != ptResend {
		return
	}
	req, err := parseResendRequest(buf)
	if err != nil {
		e.log.Debug().Err(err).Msg("raop engine: malformed resend request")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dev := e.deviceByAddrLocked(from)
	if dev == nil {
		e.log.Debug().Str("from", from.String()).Msg("raop engine: resend request from unknown device")
		return
	}

	age := resendAge(e.seqOutgoing, req.MissedSeq)
	if !resendable(age) {
		e.log.Debug().Uint16("age", age).Msg("raop engine: resend request too old")
		return
	}

	buffer := e.clearBuf
	if dev.Secured() {
		buffer = e.securedBuf
	}

	for i := uint16(0); i < req.MissedCount; i++ {
		seq := req.MissedSeq + i
		slot, ok := buffer.Get(seq)
		if !ok {
			continue
		}
		wire := marshalResendResponse(uint16(slot.FrameCount), slot)
		addr := dev.AudioAddr()
		if addr == nil || e.dataConn == nil {
			continue
		}
		if _, err := e.dataConn.WriteToUDP(wire, addr); err != nil {
			e.log.Debug().Err(err).Msg("raop engine: resend response send failed")
		}
	}
}

// deviceByAddrLocked matches an inbound packet's source to an attached
// device by (host, port in {controlPort, audioPort, audioPort+1}), spec.md
// §4.4. Caller holds e.mu.
func (e *Engine) deviceByAddrLocked(from *net.UDPAddr) EngineDevice {
	for _, d := range e.devices {
		if addrHostMatches(d.ControlAddr(), from) {
			return d
		}
		if a := d.AudioAddr(); a != nil && a.IP.Equal(from.IP) &&
			(from.Port == a.Port || from.Port == a.Port+1) {
			return d
		}
	}
	return nil
}

func addrHostMatches(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}

// timingLoop reflects NTP-style round trips, spec.md §4.4's Timing
// socket.
func (e *Engine) timingLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 2048)

	var lastRequestAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.mu.Lock()
		conn := e.timingConn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		now := e.env.Now()
		if !lastRequestAt.IsZero() && now.Sub(lastRequestAt) > 3333*time.Millisecond {
			e.log.Debug().Dur("gap", now.Sub(lastRequestAt)).Msg("raop engine: timing request gap exceeded 3.33s")
		}
		lastRequestAt = now

		tr, err := parseTimingRequest(buf[:n])
		if err != nil {
			e.log.Debug().Err(err).Msg("raop engine: malformed timing request")
			continue
		}

		sendTime := binary.BigEndian.Uint64(tr.SendTime[:])
		nowNTP := ntp.Encode(now)

		if drift := ntpDriftSeconds(nowNTP, sendTime); drift > 0.25 {
			e.log.Debug().Float64("driftSeconds", drift).Msg("raop engine: timing drift exceeds 250ms")
		}

		resp := marshalTimingResponse(sendTime, nowNTP, ntp.Encode(e.env.Now()))
		if _, err := conn.WriteToUDP(resp, from); err != nil {
			e.log.Debug().Err(err).Msg("raop engine: timing response send failed")
		}
	}
}

func ntpDriftSeconds(a, b uint64) float64 {
	ta, tb := ntp.Decode(a), ntp.Decode(b)
	d := ta.Sub(tb)
	if d < 0 {
		d = -d
	}
	return d.Seconds()
}

// Reset implements the engine half of spec.md §4.4 reset(): it discards
// both packet buffers, rewinds the incoming counters to the outgoing ones,
// clears samplesWritten and marks the stream as not started, so the sender
// goroutine sends nothing until the next Write. It does not stop the sender
// goroutines, does not detach any device and sends nothing over RTSP.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.securedBuf.Reset()
	e.clearBuf.Reset()
	e.seqIncoming = e.seqOutgoing
	e.timeIncoming = e.timeOutgoing
	e.samplesWritten = 0
	e.streamStarted = false
}
