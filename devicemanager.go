package raopcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airstream-project/raopcore/internal/asyncprocessor"
)

// noSpeakersAlertInterval bounds how often DeviceManager re-raises the
// "no speakers selected" alert, spec.md §4.6 openDevices()'s "rate-limited
// activation feedback with >= 5s between alerts".
const noSpeakersAlertInterval = 5 * time.Second

// PasswordPrompt is consulted when a device answers 401; it returns the
// password to try and whether the caller asked to remember it.
type PasswordPrompt func(deviceName string) (password string, remember, ok bool)

// Resolver turns a DeviceInfo into a dialable "host:port" RTSP control
// address. Discovery (pkg/discovery) supplies the production
// implementation; tests can inject a fake.
type Resolver interface {
	Resolve(ctx context.Context, info DeviceInfo) (addr, host string, err error)
}

// Alerter surfaces UI-facing notices the Device Manager itself has no
// opinion on how to render (spec.md §4.6: "outer UI concern").
type Alerter interface {
	NoSpeakersSelected()
	JackDisconnected(deviceName string)
	DeviceInUse(deviceName string)
}

// DeviceManager owns the name->Device map and the one shared Engine,
// spec.md §4.6.
type DeviceManager struct {
	env      *Environment
	log      zerolog.Logger
	engine   *Engine
	options  *OptionsStore
	resolver Resolver
	prompt   PasswordPrompt
	alerter  Alerter

	mu           sync.Mutex
	devices      map[string]*Device
	masterVolume float64
	metadata     OutputMetadata

	progressStart, progressNow, progressEnd uint32
	progressSet                             bool

	openQueue     *asyncprocessor.Processor
	lastNoSpeaker time.Time
}

// NewDeviceManager wires a DeviceManager around a shared Engine and the
// process-wide Options snapshot bus.
func NewDeviceManager(env *Environment, engine *Engine, options *OptionsStore, resolver Resolver, prompt PasswordPrompt, alerter Alerter) *DeviceManager {
	m := &DeviceManager{
		env:      env,
		log:      env.Log,
		engine:   engine,
		options:  options,
		resolver: resolver,
		prompt:   prompt,
		alerter:  alerter,
		devices:  make(map[string]*Device),
		openQueue: &asyncprocessor.Processor{
			BufferSize: 64,
			OnError: func(_ context.Context, err error) {
				if err != nil {
					env.Log.Error().Err(err).Msg("raop device manager: open queue stopped")
				}
			},
		},
	}
	m.openQueue.Initialize()
	m.openQueue.Start()
	return m
}

// Close stops the async open queue and closes every open device.
func (m *DeviceManager) Close() {
	m.openQueue.Close()

	m.mu.Lock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
}

// OpenDevices implements spec.md §4.6 openDevices(): open every activated
// device from the current Options snapshot.
func (m *DeviceManager) OpenDevices(ctx context.Context) {
	snap := m.options.Load()

	opened := 0
	for name, active := range snap.Activated {
		if !active {
			continue
		}
		info, ok := snap.Devices[name]
		if !ok {
			continue
		}
		m.openDeviceAsync(ctx, info)
		opened++
	}

	if opened == 0 {
		m.maybeAlertNoSpeakers()
	}
}

func (m *DeviceManager) maybeAlertNoSpeakers() {
	m.mu.Lock()
	now := m.env.Now()
	if now.Sub(m.lastNoSpeaker) < noSpeakersAlertInterval {
		m.mu.Unlock()
		return
	}
	m.lastNoSpeaker = now
	m.mu.Unlock()

	if m.alerter != nil {
		m.alerter.NoSpeakersSelected()
	}
}

func (m *DeviceManager) openDeviceAsync(ctx context.Context, info DeviceInfo) {
	m.openQueue.Push(func() error {
		return m.openDevice(ctx, info)
	})
}

// openDevice implements spec.md §4.6 openDevice(info), steps 1-8.
func (m *DeviceManager) openDevice(ctx context.Context, info DeviceInfo) error {
	dev := m.deviceFor(info)

	addr, host, err := m.resolver.Resolve(ctx, info)
	if err != nil {
		m.deactivate(info.Name)
		return fmt.Errorf("raop device manager: resolving %q: %w", info.Name, err)
	}

	if err := m.testWithPasswordRetry(dev, addr, true); err != nil {
		m.deactivate(info.Name)
		return err
	}

	jack, err := m.openWithPasswordRetry(dev, addr, host)
	if err != nil {
		if code, ok := err.(interface{ StatusCode() int }); ok && code.StatusCode() == 453 {
			if m.alerter != nil {
				m.alerter.DeviceInUse(info.Name)
			}
		}
		m.deactivate(info.Name)
		return err
	}

	if jack == JackDisconnected && m.alerter != nil {
		m.alerter.JackDisconnected(info.Name)
	}

	if info.Type == DeviceTypeAVR {
		if v, err := dev.GetVolume(); err != nil {
			m.log.Debug().Err(err).Str("device", info.Name).Msg("raop device manager: AVR volume pull failed")
		} else {
			m.mu.Lock()
			m.masterVolume = v
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	master := m.masterVolume
	metadata := m.metadata
	progStart, progNow, progEnd, progSet := m.progressStart, m.progressNow, m.progressEnd, m.progressSet
	m.mu.Unlock()

	if err := dev.PutVolume(master); err != nil {
		m.log.Debug().Err(err).Str("device", info.Name).Msg("raop device manager: seeding volume failed")
	}

	if !metadataEmpty(metadata) {
		if err := dev.UpdateMetadata(metadata); err != nil {
			m.log.Debug().Err(err).Str("device", info.Name).Msg("raop device manager: seeding metadata failed")
		}
		if progSet {
			if err := dev.UpdateProgress(progStart, progNow, progEnd); err != nil {
				m.log.Debug().Err(err).Str("device", info.Name).Msg("raop device manager: seeding progress failed")
			}
		}
	}

	return nil
}

func metadataEmpty(m OutputMetadata) bool {
	return m.Title == "" && m.Album == "" && m.Artist == "" && len(m.ArtworkData) == 0
}

func (m *DeviceManager) deviceFor(info DeviceInfo) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[info.Name]; ok {
		return d
	}
	d := NewDevice(info, m.engine, m.env)
	m.devices[info.Name] = d
	return d
}

func (m *DeviceManager) testWithPasswordRetry(dev *Device, addr string, firstTime bool) error {
	for {
		status, err := dev.Test(addr, firstTime)
		if err != nil {
			return err
		}
		if status != 401 {
			return nil
		}
		if !m.retryWithPassword(dev) {
			return fmt.Errorf("raop device manager: %q requires a password", dev.Key())
		}
	}
}

func (m *DeviceManager) openWithPasswordRetry(dev *Device, addr, host string) (JackStatus, error) {
	for {
		jack, err := dev.Open(addr, host)
		if err == nil {
			return jack, nil
		}
		if !m.retryWithPassword(dev) {
			return JackUnknown, err
		}
	}
}

func (m *DeviceManager) retryWithPassword(dev *Device) bool {
	if m.prompt == nil {
		return false
	}
	pass, remember, ok := m.prompt(dev.Key())
	if !ok {
		return false
	}
	dev.SetPassword(pass)
	if remember {
		snap := m.options.Load().Clone()
		snap.Passwords[dev.Key()] = PasswordEntry{Secret: pass, Remember: true}
		m.options.Store(snap)
	}
	return true
}

func (m *DeviceManager) deactivate(name string) {
	snap := m.options.Load().Clone()
	if !snap.Activated[name] {
		return
	}
	delete(snap.Activated, name)
	m.options.Store(snap)
}

// SetVolume implements spec.md §4.6 setVolume(level): compute delta from
// the last master level and fan out setVolume(level, delta) to every open
// device.
func (m *DeviceManager) SetVolume(level float64) {
	m.mu.Lock()
	delta := level - m.masterVolume
	m.masterVolume = level
	devices := m.snapshotDevicesLocked()
	m.mu.Unlock()

	for _, d := range devices {
		if err := d.SetVolume(level, delta); err != nil {
			m.log.Debug().Err(err).Str("device", d.Key()).Msg("raop device manager: setVolume failed")
		}
	}
}

// SetDeviceVolumeByRemoteID retargets a single device's volume, matched by
// its remote-control id, for the DACP server's setproperty
// dmcp.device-volume handling (spec.md §4.9).
func (m *DeviceManager) SetDeviceVolumeByRemoteID(remoteControlID uint32, volume float64) error {
	m.mu.Lock()
	var target *Device
	for _, d := range m.devices {
		if d.RemoteControlID() == remoteControlID && d.IsOpen(false) {
			target = d
			break
		}
	}
	m.mu.Unlock()

	if target == nil {
		return fmt.Errorf("raop device manager: no open device with remote-control id %d", remoteControlID)
	}
	return target.PutVolume(volume)
}

// SetMetadata implements spec.md §4.6 setMetadata: broadcast to every
// open device.
func (m *DeviceManager) SetMetadata(meta OutputMetadata) {
	m.mu.Lock()
	m.metadata = meta
	devices := m.snapshotDevicesLocked()
	m.mu.Unlock()

	for _, d := range devices {
		if err := d.UpdateMetadata(meta); err != nil {
			m.log.Debug().Err(err).Str("device", d.Key()).Msg("raop device manager: setMetadata failed")
		}
	}
}

// ClearMetadata implements spec.md §4.6 clearMetadata: broadcast the zero
// value, which clears text and sends image/none.
func (m *DeviceManager) ClearMetadata() {
	m.SetMetadata(OutputMetadata{})
}

// SetOffset implements spec.md §4.6 setOffset: it records the given
// start/now/end RTP timestamps, so openDevice can seed devices opened
// later, and broadcasts updateProgress with them to the manager's devices.
// The caller supplies the timestamps; SetOffset does not compute them from
// the engine's output interval.
func (m *DeviceManager) SetOffset(start, now, end uint32) {
	m.mu.Lock()
	m.progressStart, m.progressNow, m.progressEnd = start, now, end
	m.progressSet = true
	devices := m.snapshotDevicesLocked()
	m.mu.Unlock()

	for _, d := range devices {
		if err := d.UpdateProgress(start, now, end); err != nil {
			m.log.Debug().Err(err).Str("device", d.Key()).Msg("raop device manager: setOffset failed")
		}
	}
}

func (m *DeviceManager) snapshotDevicesLocked() []*Device {
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		if d.IsOpen(false) {
			out = append(out, d)
		}
	}
	return out
}
