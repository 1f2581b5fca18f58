package raopcore

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/airstream-project/raopcore/pkg/rtsp"
)

// DeviceState is a Device's position in the lifecycle spec.md §4.10
// describes: Closed → Tested → Negotiated → Streaming → Closed.
type DeviceState int

const (
	DeviceClosed DeviceState = iota
	DeviceTested
	DeviceNegotiated
	DeviceStreaming
)

func (s DeviceState) String() string {
	switch s {
	case DeviceClosed:
		return "closed"
	case DeviceTested:
		return "tested"
	case DeviceNegotiated:
		return "negotiated"
	case DeviceStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// volume clamp bounds, spec.md §4.5 putVolume/setVolume.
const (
	volumeMaxDB       = 0.0
	volumeMinDB       = -100.0
	volumeCatchUpMinDB = -9.0
	volumeMuted       = -144.0
)

// Device is one speaker's session state: RTSP client, negotiated
// transport addresses, capability flags and volume, spec.md §3/§4.5.
type Device struct {
	info   DeviceInfo
	engine *Engine
	env    *Environment

	encryption EncryptionType
	metadata   MetadataFlags

	mu             sync.Mutex
	state          DeviceState
	client         *rtsp.Client
	sessionURI     string
	remoteControlID uint32
	deviceVolumeDB float64

	audioAddr   *net.UDPAddr
	controlAddr *net.UDPAddr
	timingAddr  *net.UDPAddr

	audioLatencySamples int
	passwordCache       string
}

// NewDevice builds a Device bound to engine for the given identity.
func NewDevice(info DeviceInfo, engine *Engine, env *Environment) *Device {
	enc, md := info.Type.Capabilities(info.AnyBits)
	return &Device{
		info:            info,
		engine:          engine,
		env:             env,
		encryption:      enc,
		metadata:        md,
		state:           DeviceClosed,
		remoteControlID: deriveRemoteControlID(info.Name),
	}
}

func deriveRemoteControlID(name string) uint32 {
	var h uint32 = 2166136261 // FNV-1a offset basis
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	return h
}

// Key identifies this Device for Engine.Attach/Detach and the device map.
func (d *Device) Key() string { return d.info.Name }

// Secured reports whether this device's stream must be AES-encrypted,
// satisfying EngineDevice.
func (d *Device) Secured() bool { return d.encryption == EncryptionSecured }

func (d *Device) AudioAddr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.audioAddr
}

func (d *Device) ControlAddr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlAddr
}

func (d *Device) TimingAddr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timingAddr
}

// RemoteControlID is the stable id DACP uses to route commands back to
// this Device, spec.md §3's Device invariant.
func (d *Device) RemoteControlID() uint32 {
	return d.remoteControlID
}

func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ensureClient dials addr if no live client is attached, spec.md §4.5
// test()'s "reuse if still ready".
func (d *Device) ensureClient(addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil && d.client.IsOpen(true) {
		return nil
	}

	client, err := rtsp.Dial(addr, rtsp.Options{
		UserAgent:      "raopcore",
		ClientInstance: fmt.Sprintf("%016X", uint64(d.remoteControlID)),
		DACPID:         fmt.Sprintf("%016X", uint64(d.remoteControlID)),
		ActiveRemote:   strconv.FormatUint(uint64(d.remoteControlID), 10),
		Password:       func() (string, bool) { return d.passwordCache, d.passwordCache != "" },
	})
	if err != nil {
		return err
	}
	d.client = client
	return nil
}

// SetPassword installs the password used for subsequent 401 retries.
func (d *Device) SetPassword(pass string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwordCache = pass
}

// Test implements spec.md §4.5 test(): attach/reuse the RTSP client, and
// when firstTime and the device is secured, verify the Apple-Challenge
// round trip. Returns the RTSP status, or a negative RAOPError sub-code
// on a challenge failure. A 401 is returned as-is for the caller's
// password-retry loop.
func (d *Device) Test(addr string, firstTime bool) (int, error) {
	if err := d.ensureClient(addr); err != nil {
		return 0, err
	}

	d.mu.Lock()
	client := d.client
	secured := d.encryption == EncryptionSecured
	d.mu.Unlock()

	var challenge *[16]byte
	var sent [16]byte
	if firstTime && secured {
		if _, err := d.env.Rand.Read(sent[:]); err != nil {
			return 0, err
		}
		challenge = &sent
	}

	res, err := client.DoOptions(challenge)
	if err != nil {
		return 0, err
	}

	if challenge != nil {
		pub, err := raopPublicKey()
		if err != nil {
			return 0, err
		}
		if err := rtsp.VerifyAppleResponse(pub, sent, res); err != nil {
			if ce, ok := err.(rtsp.ChallengeError); ok {
				return 0, RAOPError(ce)
			}
			return 0, err
		}
	}

	d.mu.Lock()
	if int(res.StatusCode) == 200 {
		d.state = DeviceTested
	}
	d.mu.Unlock()

	return int(res.StatusCode), nil
}

// JackStatus is the speaker's reported headphone-jack state from SETUP.
type JackStatus int

const (
	JackUnknown JackStatus = iota
	JackConnected
	JackDisconnected
)

// Open implements spec.md §4.5 open(): ANNOUNCE, SETUP, RECORD, binds the
// negotiated UDP addresses and attaches this Device to the engine.
func (d *Device) Open(addr, host string) (JackStatus, error) {
	d.mu.Lock()
	client := d.client
	secured := d.encryption == EncryptionSecured
	d.mu.Unlock()
	if client == nil {
		if err := d.ensureClient(addr); err != nil {
			return JackUnknown, err
		}
		d.mu.Lock()
		client = d.client
		d.mu.Unlock()
	}

	sessionID := d.env.NewSessionID()
	uri := fmt.Sprintf("rtsp://%s/%s", host, sessionID)

	keyB64, ivB64 := "", ""
	if secured {
		keyB64, ivB64 = d.engine.EncodedKey(), d.engine.EncodedIV()
	}

	if _, err := client.DoAnnounce(uri, host, sessionID, keyB64, ivB64, rtsp.AnnounceFormat{
		FramesPerPacket: framesPerPacket,
		BitsPerSample:   Canonical.SampleSize * 8,
		Channels:        Canonical.ChannelCount,
		SampleRate:      Canonical.SampleRate,
	}); err != nil {
		return JackUnknown, err
	}

	setupRes, err := client.DoSetup(uri, d.engine.ControlPort(), d.engine.TimingPort())
	if err != nil {
		return JackUnknown, err
	}

	if setupRes.AudioLatency > 0 {
		d.mu.Lock()
		d.audioLatencySamples = setupRes.AudioLatency
		d.mu.Unlock()
		d.engine.SetAudioLatency(setupRes.AudioLatency)
	}

	host4 := parseHost(addr)
	d.mu.Lock()
	d.audioAddr = &net.UDPAddr{IP: host4, Port: setupRes.ServerPort}
	d.controlAddr = &net.UDPAddr{IP: host4, Port: setupRes.ControlPort}
	d.timingAddr = &net.UDPAddr{IP: host4, Port: setupRes.TimingPort}
	d.sessionURI = uri
	d.mu.Unlock()

	seq, rtpTime := d.engine.OutgoingState()
	if _, err := client.DoRecord(uri, seq, rtpTime); err != nil {
		return JackUnknown, err
	}

	d.mu.Lock()
	d.state = DeviceNegotiated
	d.mu.Unlock()

	d.engine.Attach(d)

	d.mu.Lock()
	d.state = DeviceStreaming
	d.mu.Unlock()

	switch setupRes.AudioJackStatus {
	case "connected":
		return JackConnected, nil
	case "disconnected":
		return JackDisconnected, nil
	default:
		return JackUnknown, nil
	}
}

func parseHost(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}

// Close implements spec.md §4.5 close(): detach from the engine and
// TEARDOWN, but only if RECORD previously succeeded.
func (d *Device) Close() error {
	d.engine.Detach(d.Key())

	d.mu.Lock()
	client, uri, negotiated := d.client, d.sessionURI, d.state == DeviceStreaming || d.state == DeviceNegotiated
	d.state = DeviceClosed
	d.client = nil
	d.mu.Unlock()

	if client == nil {
		return nil
	}
	if negotiated && uri != "" {
		if _, err := client.DoTeardown(uri); err != nil {
			client.Close()
			return err
		}
	}
	return client.Close()
}

// IsOpen implements spec.md §4.5 isOpen(pollConnection).
func (d *Device) IsOpen(pollConnection bool) bool {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	return client != nil && client.IsOpen(pollConnection)
}

// PutVolume implements spec.md §4.5 putVolume(v): clamp to [-100, 0] and
// send "volume: %hf".
func (d *Device) PutVolume(v float64) error {
	clamped := clampVolume(v, volumeMinDB, volumeMaxDB)

	d.mu.Lock()
	client, uri := d.client, d.sessionURI
	d.deviceVolumeDB = clamped
	d.mu.Unlock()

	if client == nil {
		return fmt.Errorf("raop: device %q: putVolume without an open session", d.Key())
	}
	_, err := client.DoSetParameter(uri, "volume", formatVolume(clamped))
	return err
}

// GetVolume implements spec.md §4.6 openDevice step 7's AVR volume pull:
// GET_PARAMETER "volume" and parse the "volume: %hf" reply body.
func (d *Device) GetVolume() (float64, error) {
	d.mu.Lock()
	client, uri := d.client, d.sessionURI
	d.mu.Unlock()

	if client == nil {
		return 0, fmt.Errorf("raop: device %q: getVolume without an open session", d.Key())
	}

	res, err := client.DoGetParameter(uri, "volume")
	if err != nil {
		return 0, err
	}

	return parseVolumeParameter(res.Content)
}

func parseVolumeParameter(body []byte) (float64, error) {
	text := strings.TrimSpace(string(body))
	text = strings.TrimPrefix(text, "volume:")
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("raop: malformed volume parameter %q: %w", body, err)
	}
	return v, nil
}

// SetVolume implements spec.md §4.5 setVolume(abs, rel): mirror the master
// volume when in sync, otherwise nudge by the relative delta with an
// asymmetric clamp depending on whether the device is catching up.
func (d *Device) SetVolume(masterDB, deltaDB float64) error {
	d.mu.Lock()
	current := d.deviceVolumeDB
	d.mu.Unlock()

	// in sync: the device sits at the previous master level (master - delta)
	drift := current - (masterDB - deltaDB)
	var target float64
	if current == masterDB || (drift > -1e-9 && drift < 1e-9) {
		target = masterDB
	} else {
		target = current + deltaDB
		if current < masterDB {
			target = clampVolume(target, volumeMinDB, volumeCatchUpMinDB)
		} else {
			target = clampVolume(target, volumeMinDB, volumeMaxDB)
		}
	}

	return d.PutVolume(target)
}

func clampVolume(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatVolume(v float64) string {
	if v <= volumeMinDB {
		return strconv.FormatFloat(volumeMuted, 'f', 6, 64)
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// UpdateMetadata implements spec.md §4.5 updateMetadata(meta).
func (d *Device) UpdateMetadata(meta OutputMetadata) error {
	d.mu.Lock()
	client, uri, flags := d.client, d.sessionURI, d.metadata
	d.mu.Unlock()
	if client == nil {
		return nil
	}

	rtpTime := d.engineRTPTimeIncoming()

	if flags&MetadataText != 0 {
		body := buildDMAPTextList(meta)
		if _, err := client.DoSetParameterBinary(uri, "application/x-dmap-tagged", body, rtpTime); err != nil {
			return err
		}
	}

	if flags&MetadataImage != 0 {
		if len(meta.ArtworkData) == 0 {
			_, err := client.DoSetParameterBinary(uri, "image/none", nil, rtpTime)
			return err
		}
		if len(meta.ArtworkData) > 256*1024 {
			return nil
		}
		if w, h, ok := meta.ArtworkDimensions(); ok && (w > 1000 || h > 1000) {
			return nil
		}
		_, err := client.DoSetParameterBinary(uri, meta.ArtworkType, meta.ArtworkData, rtpTime)
		return err
	}

	return nil
}

func (d *Device) engineRTPTimeIncoming() uint32 {
	_, rtpTime := d.engine.IncomingState()
	return rtpTime
}

// buildDMAPTextList renders the DMAP-tagged metadata list spec.md §4.5
// names: mikd=2, minm, asal, asar, asdk, astn, astc wrapped in mlit.
func buildDMAPTextList(meta OutputMetadata) []byte {
	var inner strings.Builder
	inner.WriteString(dmapByte("mikd", 2))
	inner.WriteString(dmapString("minm", meta.Title))
	inner.WriteString(dmapString("asal", meta.Album))
	inner.WriteString(dmapString("asar", meta.Artist))
	asdk := 1
	if meta.LengthMs > 0 {
		asdk = 0
	}
	inner.WriteString(dmapByte("asdk", asdk))
	inner.WriteString(dmapShort("astn", meta.PlaylistPos.Index))
	inner.WriteString(dmapShort("astc", meta.PlaylistPos.Total))

	return []byte(dmapContainer("mlit", inner.String()))
}

func dmapContainer(tag, body string) string {
	return tag + dmapLen(len(body)) + body
}

func dmapString(tag, value string) string {
	return tag + dmapLen(len(value)) + value
}

func dmapByte(tag string, v int) string {
	return tag + dmapLen(1) + string([]byte{byte(v)})
}

func dmapShort(tag string, v int) string {
	return tag + dmapLen(2) + string([]byte{byte(v >> 8), byte(v)})
}

func dmapLen(n int) string {
	return string([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

// UpdateProgress implements spec.md §4.5 updateProgress(interval): sends
// start/now/end as three RTP timestamps, if the device accepts progress.
func (d *Device) UpdateProgress(start, now, end uint32) error {
	d.mu.Lock()
	client, uri, flags := d.client, d.sessionURI, d.metadata
	d.mu.Unlock()
	if client == nil || flags&MetadataProgress == 0 {
		return nil
	}
	value := fmt.Sprintf("%d/%d/%d", start, now, end)
	_, err := client.DoSetParameter(uri, "progress", value)
	return err
}
