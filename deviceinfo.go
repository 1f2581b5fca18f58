package raopcore

// Addr identifies where a device lives: either an mDNS service name/type
// pair (zero-conf discovered) or a resolved host/port (manual entry or
// post-resolve cache).
type Addr struct {
	ServiceName string
	ServiceType string
	Host        string
	Port        int
}

// DeviceInfo is a speaker's identity plus classification, spec.md §3.
type DeviceInfo struct {
	Type     DeviceType
	AnyBits  AnyBits
	Name     string // unique key
	Addr     Addr
	ZeroConf bool // true if discovered via mDNS; false if manually entered
}

// Key returns the unique map key for this device: its name.
func (d DeviceInfo) Key() string { return d.Name }
