package raopcore

import (
	"encoding/binary"
	"fmt"
)

// RAOP payload types, spec.md §6 "RTP wire layouts".
const (
	ptData    = 0x60
	ptSync    = 0x54
	ptTiming  = 0x52
	ptTimingR = 0x53
	ptResend  = 0x55
	ptResendR = 0x56
)

// nominalBufferTicks is the hard-coded 1.75 s @ 44100 Hz buffer constant
// spec.md §4.4/§8 uses for rtpTimeLessLatency. spec.md §9's Open Questions
// flags that this arguably should follow the negotiated audioLatency from
// SETUP/RECORD instead of a fixed constant; this implementation keeps the
// fixed constant, matching the source's actual (if questionable) behavior.
const nominalBufferTicks = 77175

// marshalDataHeader builds the 12-byte RTP data-packet header, spec.md
// §4.4/§6. first marks the session's very first data packet (byte0 = 0xA0
// instead of 0x80). Hand-marshaled rather than via pion/rtp.Header: RFC 3550
// places the marker bit at the high bit of byte 1, but RAOP's own framing
// (RAOPEngine.cpp's DataPacketHeader::setMarker) puts it in byte 0 and keeps
// byte 1 fixed at the payload type, so the generic marshaler produces the
// wrong bytes for this wire format.
func marshalDataHeader(first bool, seq uint16, rtpTime, ssrc uint32) ([]byte, error) {
	buf := make([]byte, 12)
	buf[0] = 0x80
	if first {
		buf[0] |= 0x20
	}
	buf[1] = ptData
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], rtpTime)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	return buf, nil
}

// syncPacket is the 20-byte sync packet of spec.md §6, sent ahead of the
// first data packet of a session and at least once per second thereafter.
type syncPacket struct {
	First              bool
	NTPTimestamp       uint64
	RTPTime            uint32
	RTPTimeLessLatency uint32
}

func newSyncPacket(first bool, ntpTimestamp uint64, rtpTime uint32) syncPacket {
	return syncPacket{
		First:              first,
		NTPTimestamp:       ntpTimestamp,
		RTPTime:            rtpTime,
		RTPTimeLessLatency: rtpTime - nominalBufferTicks,
	}
}

// marshal renders the packet per spec.md §6: flags(1), PT(1)=0x54,
// seq(2)=0x0007, NTP(8), rtpTime(4), rtpTimeLessLatency(4).
func (s syncPacket) marshal() []byte {
	buf := make([]byte, 20)
	if s.First {
		buf[0] = 0x90 // extension bit set on the session's first sync
	} else {
		buf[0] = 0xD0
	}
	buf[1] = ptSync
	binary.BigEndian.PutUint16(buf[2:4], 0x0007)
	binary.BigEndian.PutUint64(buf[4:12], s.NTPTimestamp)
	binary.BigEndian.PutUint32(buf[12:16], s.RTPTime)
	binary.BigEndian.PutUint32(buf[16:20], s.RTPTimeLessLatency)
	return buf
}

// timingRequest is the inbound 32-byte timing-request packet, PT=0x52.
type timingRequest struct {
	Reserved    uint32
	SendTime    [8]byte // opaque NTP timestamp, echoed back verbatim
	ReceiveTime [8]byte
	OriginTime  [8]byte
}

func parseTimingRequest(buf []byte) (timingRequest, error) {
	if len(buf) < 32 {
		return timingRequest{}, fmt.Errorf("raop: timing request too short: %d bytes", len(buf))
	}
	var tr timingRequest
	copy(tr.OriginTime[:], buf[8:16])
	copy(tr.ReceiveTime[:], buf[16:24])
	copy(tr.SendTime[:], buf[24:32])
	return tr, nil
}

// marshalTimingResponse builds the PT=0x53 response, spec.md §4.4:
// referenceTime = request.sendTime, receivedTime/sendTime = now.
func marshalTimingResponse(referenceTime, receivedTime, sendTime uint64) []byte {
	buf := make([]byte, 32)
	buf[0] = 0x80
	buf[1] = ptTimingR
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint64(buf[8:16], referenceTime)
	binary.BigEndian.PutUint64(buf[16:24], receivedTime)
	binary.BigEndian.PutUint64(buf[24:32], sendTime)
	return buf
}

// resendRequest is the inbound 8-byte PT=0x55 packet.
type resendRequest struct {
	MissedSeq   uint16
	MissedCount uint16
}

func parseResendRequest(buf []byte) (resendRequest, error) {
	if len(buf) < 8 {
		return resendRequest{}, fmt.Errorf("raop: resend request too short: %d bytes", len(buf))
	}
	return resendRequest{
		MissedSeq:   binary.BigEndian.Uint16(buf[4:6]),
		MissedCount: binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// marshalResendResponse wraps a previously-sent payload in the PT=0x56
// envelope, spec.md §4.4: seq field carries frameCount (an encoder-agnostic
// resend hint), not the original sequence number.
func marshalResendResponse(frameCount uint16, original PacketSlot) []byte {
	out := make([]byte, 4+len(original.Payload))
	out[0] = 0x80
	out[1] = ptResendR
	binary.BigEndian.PutUint16(out[2:4], frameCount)
	copy(out[4:], original.Payload)
	return out
}
