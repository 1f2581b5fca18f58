package raopcore

import "sync/atomic"

// PasswordEntry is a cached secret for a device, plus whether it should be
// persisted by the (out-of-scope) GUI layer.
type PasswordEntry struct {
	Secret   string
	Remember bool
}

// Options is a process-wide, copy-on-write configuration snapshot, spec.md
// §3. Values are never mutated in place: Store publishes a brand-new
// *Options and diffs it against whatever was live, emitting notifications
// on the bus (spec.md Testable Property 8).
type Options struct {
	VolumeControl bool
	PlayerControl bool
	ResetOnPause  bool

	Devices   map[string]DeviceInfo
	Activated map[string]bool
	Passwords map[string]PasswordEntry
}

// Clone returns a deep-enough copy of o suitable for mutate-then-Store.
func (o *Options) Clone() *Options {
	n := &Options{
		VolumeControl: o.VolumeControl,
		PlayerControl: o.PlayerControl,
		ResetOnPause:  o.ResetOnPause,
		Devices:       make(map[string]DeviceInfo, len(o.Devices)),
		Activated:     make(map[string]bool, len(o.Activated)),
		Passwords:     make(map[string]PasswordEntry, len(o.Passwords)),
	}
	for k, v := range o.Devices {
		n.Devices[k] = v
	}
	for k, v := range o.Activated {
		n.Activated[k] = v
	}
	for k, v := range o.Passwords {
		n.Passwords[k] = v
	}
	return n
}

// NewOptions returns an empty Options snapshot.
func NewOptions() *Options {
	return &Options{
		Devices:   make(map[string]DeviceInfo),
		Activated: make(map[string]bool),
		Passwords: make(map[string]PasswordEntry),
	}
}

// OptionsStore holds the live Options snapshot behind an atomic pointer
// (spec.md §9: "Global mutable Options: a copy-on-write snapshot held
// behind a reference; writes publish a new snapshot"), and fans out
// ADD/ACTIVATE/DEACTIVATE/DESTROY notifications on every Store.
type OptionsStore struct {
	ptr   atomic.Pointer[Options]
	bus   *Bus
}

// NewOptionsStore creates a store seeded with an empty Options snapshot.
func NewOptionsStore(bus *Bus) *OptionsStore {
	s := &OptionsStore{bus: bus}
	s.ptr.Store(NewOptions())
	return s
}

// Load returns the current snapshot. Callers must treat it as read-only.
func (s *OptionsStore) Load() *Options {
	return s.ptr.Load()
}

// Store publishes next as the new live snapshot, diffing it against the
// previous one and posting notifications for every name whose
// existence/activation state changed.
func (s *OptionsStore) Store(next *Options) {
	prev := s.ptr.Load()
	s.ptr.Store(next)
	s.diffAndNotify(prev, next)
}

func (s *OptionsStore) diffAndNotify(prev, next *Options) {
	if s.bus == nil {
		return
	}

	for name := range prev.Devices {
		_, stillExists := next.Devices[name]
		wasActive := prev.Activated[name]

		switch {
		case !stillExists && wasActive:
			s.bus.Publish(Event{Type: EventDeactivated, Name: name})
			s.bus.Publish(Event{Type: EventDestroyed, Name: name})
		case !stillExists:
			s.bus.Publish(Event{Type: EventDestroyed, Name: name})
		}
	}

	for name := range next.Devices {
		_, existedBefore := prev.Devices[name]
		nowActive := next.Activated[name]
		wasActive := prev.Activated[name]

		if !existedBefore {
			s.bus.Publish(Event{Type: EventCreated, Name: name})
			if nowActive {
				s.bus.Publish(Event{Type: EventActivated, Name: name})
			}
			continue
		}

		if nowActive != wasActive {
			if nowActive {
				s.bus.Publish(Event{Type: EventActivated, Name: name})
			} else {
				s.bus.Publish(Event{Type: EventDeactivated, Name: name})
			}
		}
	}
}
