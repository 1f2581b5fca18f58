// Package classify maps an mDNS TXT record to a device capability
// profile, spec.md §4.2.
package classify

import (
	"strconv"
	"strings"
)

// Type mirrors raopcore.DeviceType without importing the root package
// (classify has no dependency on Engine/Device machinery); callers adapt
// it at the boundary.
type Type int

const (
	TypeUnknown Type = iota
	TypeAPX
	TypeATV
	TypeAVR
	TypeAFS
	TypeAS3
	TypeAS4
	TypeAny
)

// ErrRedundant is returned when the TXT record advertises a duplicate
// service the collector should drop, spec.md §4.2's "duplicate-advertisement
// rule". Rule 5 (none of am/da/fv/md/tp/vs present, unsupported firmware)
// returns it as well.
var ErrRedundant = redundantError{}

type redundantError struct{}

func (redundantError) Error() string { return "classify: redundant service advertisement" }

// Result is the classifier's output: a Type, and for TypeAny the packed
// capability bits (bit 0-2 metadata, bit 3 encryption).
type Result struct {
	Type Type
	Bits uint8
}

var avrVendorPrefixes = []string{"Onkyo", "Denon", "Yamaha", "Marantz", "Pioneer"}

// Classify applies spec.md §4.2's ordered rule table to txt.
func Classify(txt map[string]string) (Result, error) {
	has := func(k string) bool { _, ok := txt[k]; return ok }

	// rule 1: rast|rastx|raver|ramach present => AFS
	if has("rast") || has("rastx") || has("raver") || has("ramach") {
		return Result{Type: TypeAFS}, nil
	}

	// rule 2: rhd present and no md => AS3
	if has("rhd") && !has("md") {
		return Result{Type: TypeAS3}, nil
	}

	// rule 3: rhd without rmodel, or (cn=0,1,2 and ft and sv=true) => AS4,
	// unless am=AirPort* (duplicate).
	cnMatch := cnIsOneOf(txt["cn"], "0", "1", "2")
	if (has("rhd") && !has("rmodel")) || (cnMatch && has("ft") && txt["sv"] == "true") {
		if strings.HasPrefix(txt["am"], "AirPort") {
			return Result{}, ErrRedundant
		}
		return Result{Type: TypeAS4}, nil
	}

	// rule 4: rmodel present, or the AppleTV3,1 shape, => ANY with full
	// metadata and no encryption (bits 0b0111).
	if has("rmodel") || isAppleTV3Shape(txt) {
		return Result{Type: TypeAny, Bits: 0b0111}, nil
	}

	// rule 5: none of {am,da,fv,md,tp,vs} present => reject unsupported.
	if !has("am") && !has("da") && !has("fv") && !has("md") && !has("tp") && !has("vs") {
		return Result{}, ErrRedundant
	}

	// rule 6: am begins AirPort without md, or no am with tp=TCP,UDP => APX.
	if (strings.HasPrefix(txt["am"], "AirPort") && !has("md")) ||
		(!has("am") && txt["tp"] == "TCP,UDP") {
		return Result{Type: TypeAPX}, nil
	}

	// rule 7: am begins AppleTV without ek => ATV.
	if strings.HasPrefix(txt["am"], "AppleTV") && !has("ek") {
		return Result{Type: TypeATV}, nil
	}

	// rule 8: am matches AVR vendor prefixes and has md => AVR.
	if has("md") {
		for _, prefix := range avrVendorPrefixes {
			if strings.HasPrefix(txt["am"], prefix) {
				return Result{Type: TypeAVR}, nil
			}
		}
	}

	// rule 9: fallback, capability bits from md (0-2) and ek=1 (bit 3).
	var bits uint8
	bits |= metadataBits(txt["md"])
	if txt["ek"] == "1" {
		bits |= 1 << 3
	}
	return Result{Type: TypeAny, Bits: bits}, nil
}

func cnIsOneOf(v string, candidates ...string) bool {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		for _, c := range candidates {
			if part == c {
				return true
			}
		}
	}
	return false
}

// isAppleTV3Shape matches the specific AppleTV3,1 TXT signature, spec.md
// §4.2 rule 4: vv=1, ek=1, et in {0,1,3}, vs in {150.33,105.1}.
func isAppleTV3Shape(txt map[string]string) bool {
	if txt["vv"] != "1" || txt["ek"] != "1" {
		return false
	}
	if !etIsOneOf(txt["et"], "0", "1", "3") {
		return false
	}
	vs := txt["vs"]
	return vs == "150.33" || vs == "105.1"
}

func etIsOneOf(v string, candidates ...string) bool {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		for _, c := range candidates {
			if part == c {
				return true
			}
		}
	}
	return false
}

// metadataBits packs md's 0-2 bitmask, tolerating either a bare integer or
// a comma-separated digit list.
func metadataBits(md string) uint8 {
	if md == "" {
		return 0
	}
	if n, err := strconv.Atoi(md); err == nil {
		return uint8(n) & 0b0111
	}
	var bits uint8
	for _, part := range strings.Split(md, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			bits |= 1 << uint(n)
		}
	}
	return bits & 0b0111
}
