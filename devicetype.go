// Package raopcore is the RAOP (AirPlay v1) streaming engine: RTSP
// negotiation, RTP data/sync/timing/resend loops, ALAC encoding, AES-CBC
// packet encryption, mDNS device discovery and the companion DACP
// remote-control server. See SPEC_FULL.md for the full component map.
package raopcore

import (
	"strings"

	"github.com/airstream-project/raopcore/pkg/classify"
)

// DeviceType identifies a speaker's protocol dialect. Most values are fixed
// enum members; DeviceTypeAny additionally packs a capability bit mask (see
// AnyBits) for vendors the classifier can't map onto a named family.
type DeviceType int

// device types, per spec.md §3/§4.2.
const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeAPX                // original AirPort Express
	DeviceTypeATV                // Apple TV
	DeviceTypeAVR                // AV receiver
	DeviceTypeAFS                // AirPort Express, secured firmware
	DeviceTypeAS3                // AirPort Express 3rd gen, secured
	DeviceTypeAS4                // AirPort Express 4th gen
	DeviceTypeAny                // classified purely from capability bits
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeAPX:
		return "APX"
	case DeviceTypeATV:
		return "ATV"
	case DeviceTypeAVR:
		return "AVR"
	case DeviceTypeAFS:
		return "AFS"
	case DeviceTypeAS3:
		return "AS3"
	case DeviceTypeAS4:
		return "AS4"
	case DeviceTypeAny:
		return "ANY"
	default:
		return "unknown"
	}
}

// AnyBits is the capability bit mask DeviceTypeAny carries: bits 0-2 are
// the metadata capability mask (text/image/progress), bit 3 is encryption.
type AnyBits uint8

const (
	AnyBitText       AnyBits = 1 << 0
	AnyBitImage      AnyBits = 1 << 1
	AnyBitProgress   AnyBits = 1 << 2
	AnyBitEncryption AnyBits = 1 << 3
)

// EncryptionType is how a device wants its audio payload protected.
type EncryptionType int

const (
	EncryptionNone EncryptionType = iota
	EncryptionSecured                // RSA-OAEP key exchange + AES-CBC
)

// MetadataFlags is the set of metadata a device accepts.
type MetadataFlags uint8

const (
	MetadataNone     MetadataFlags = 0
	MetadataText     MetadataFlags = 1 << 0
	MetadataImage    MetadataFlags = 1 << 1
	MetadataProgress MetadataFlags = 1 << 2
)

// Capabilities returns the (encryption, metadata) pair spec.md §4.5's table
// maps a DeviceType (and, for DeviceTypeAny, its bits) onto.
func (t DeviceType) Capabilities(bits AnyBits) (EncryptionType, MetadataFlags) {
	switch t {
	case DeviceTypeAPX:
		return EncryptionNone, MetadataNone
	case DeviceTypeAS3:
		return EncryptionSecured, MetadataNone
	case DeviceTypeAS4, DeviceTypeATV, DeviceTypeAVR:
		return EncryptionNone, MetadataText | MetadataImage | MetadataProgress
	case DeviceTypeAFS:
		return EncryptionSecured, MetadataText | MetadataImage | MetadataProgress
	case DeviceTypeAny:
		enc := EncryptionNone
		if bits&AnyBitEncryption != 0 {
			enc = EncryptionSecured
		}
		var md MetadataFlags
		if bits&AnyBitText != 0 {
			md |= MetadataText
		}
		if bits&AnyBitImage != 0 {
			md |= MetadataImage
		}
		if bits&AnyBitProgress != 0 {
			md |= MetadataProgress
		}
		return enc, md
	default:
		return EncryptionNone, MetadataNone
	}
}

// TXTRecord is a key/value mapping extracted from an mDNS TXT record.
type TXTRecord map[string]string

// Has reports whether key is present (regardless of value).
func (t TXTRecord) Has(key string) bool {
	_, ok := t[key]
	return ok
}

// HasPrefix reports whether key's value starts with prefix.
func (t TXTRecord) HasPrefix(key, prefix string) bool {
	return strings.HasPrefix(t[key], prefix)
}

// ClassifyTXT runs pkg/classify's ordered rule table (spec.md §4.2) over an
// advertised TXT record and maps its result onto the root package's
// DeviceType/AnyBits vocabulary. ErrRedundantService signals the collector
// should silently drop the advertisement rather than surface a device.
func ClassifyTXT(txt TXTRecord) (DeviceType, AnyBits, error) {
	res, err := classify.Classify(map[string]string(txt))
	if err != nil {
		if err == classify.ErrRedundant {
			return DeviceTypeUnknown, 0, ErrRedundantService
		}
		return DeviceTypeUnknown, 0, err
	}

	var dt DeviceType
	switch res.Type {
	case classify.TypeAPX:
		dt = DeviceTypeAPX
	case classify.TypeATV:
		dt = DeviceTypeATV
	case classify.TypeAVR:
		dt = DeviceTypeAVR
	case classify.TypeAFS:
		dt = DeviceTypeAFS
	case classify.TypeAS3:
		dt = DeviceTypeAS3
	case classify.TypeAS4:
		dt = DeviceTypeAS4
	case classify.TypeAny:
		dt = DeviceTypeAny
	default:
		dt = DeviceTypeUnknown
	}
	return dt, AnyBits(res.Bits), nil
}

// ErrRedundantService is returned by ClassifyTXT when the TXT record
// describes a duplicate advertisement of a device already classified under
// another rule (e.g. an AS4 also announcing an AirPort-prefixed am), spec.md
// §4.2's duplicate-advertisement rule.
var ErrRedundantService = classifyRedundantError{}

type classifyRedundantError struct{}

func (classifyRedundantError) Error() string { return "raop: redundant service advertisement" }
