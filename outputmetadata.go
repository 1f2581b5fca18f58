package raopcore

import (
	"encoding/binary"
	"sync"
)

// PlaylistPos is a track's position within the current playlist.
type PlaylistPos struct {
	Index int
	Total int
}

// OutputMetadata is the now-playing information pushed to speakers that
// accept MetadataText/MetadataImage/MetadataProgress.
type OutputMetadata struct {
	LengthMs     int
	Title        string
	Album        string
	Artist       string
	ArtworkData  []byte
	ArtworkType  string // MIME type
	PlaylistPos  PlaylistPos

	dimOnce sync.Once
	dimW    int
	dimH    int
	dimOK   bool
}

// ArtworkDimensions lazily parses ArtworkData's width/height from its JPEG
// SOFn segment, PNG IHDR chunk, or GIF logical-screen header, memoizing the
// result. Supplemented from original_source (DeviceInfo.cpp), which derives
// artwork dimensions lazily rather than on every metadata push.
func (m *OutputMetadata) ArtworkDimensions() (w, h int, ok bool) {
	m.dimOnce.Do(func() {
		m.dimW, m.dimH, m.dimOK = parseImageDimensions(m.ArtworkData)
	})
	return m.dimW, m.dimH, m.dimOK
}

func parseImageDimensions(data []byte) (w, h int, ok bool) {
	if w, h, ok := parseJPEGDimensions(data); ok {
		return w, h, true
	}
	if w, h, ok := parsePNGDimensions(data); ok {
		return w, h, true
	}
	if w, h, ok := parseGIFDimensions(data); ok {
		return w, h, true
	}
	return 0, 0, false
}

// parseJPEGDimensions scans JPEG markers for the first SOFn (start-of-frame)
// segment and reads its height/width fields.
func parseJPEGDimensions(data []byte) (w, h int, ok bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, 0, false
	}

	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			i++
			continue
		}
		marker := data[i+1]
		if marker == 0xD8 || marker == 0xD9 {
			i += 2
			continue
		}
		if i+4 > len(data) {
			break
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))

		isSOF := marker >= 0xC0 && marker <= 0xCF && marker != 0xC4 && marker != 0xC8 && marker != 0xCC
		if isSOF {
			if i+9 > len(data) {
				return 0, 0, false
			}
			height := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			width := int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			return width, height, true
		}

		i += 2 + segLen
	}
	return 0, 0, false
}

// parsePNGDimensions reads the IHDR chunk, which always immediately follows
// the 8-byte PNG signature.
func parsePNGDimensions(data []byte) (w, h int, ok bool) {
	sig := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	if len(data) < 8+8+8 {
		return 0, 0, false
	}
	for i, b := range sig {
		if data[i] != b {
			return 0, 0, false
		}
	}
	if string(data[12:16]) != "IHDR" {
		return 0, 0, false
	}
	width := int(binary.BigEndian.Uint32(data[16:20]))
	height := int(binary.BigEndian.Uint32(data[20:24]))
	return width, height, true
}

// parseGIFDimensions reads the logical screen descriptor directly after the
// 6-byte "GIF87a"/"GIF89a" header.
func parseGIFDimensions(data []byte) (w, h int, ok bool) {
	if len(data) < 10 {
		return 0, 0, false
	}
	if string(data[0:3]) != "GIF" {
		return 0, 0, false
	}
	width := int(binary.LittleEndian.Uint16(data[6:8]))
	height := int(binary.LittleEndian.Uint16(data[8:10]))
	return width, height, true
}
