package raopcore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMarshalDataHeaderFirstPacketFlags covers spec.md §6 / Testable
// Scenario S1: the first data packet of a session carries byte0=0xA0,
// every subsequent packet carries byte0=0x80, and byte1 is always the
// data payload type 0x60 regardless of which packet is "first".
func TestMarshalDataHeaderFirstPacketFlags(t *testing.T) {
	first, err := marshalDataHeader(true, 100, 5000, 0xdeadbeef)
	require.NoError(t, err)
	require.Len(t, first, 12)
	require.Equal(t, byte(0xA0), first[0])
	require.Equal(t, byte(0x60), first[1])

	later, err := marshalDataHeader(false, 101, 5352, 0xdeadbeef)
	require.NoError(t, err)
	require.Equal(t, byte(0x80), later[0])
	require.Equal(t, byte(0x60), later[1])
}

func TestMarshalDataHeaderFields(t *testing.T) {
	buf, err := marshalDataHeader(false, 0x1234, 0x5678abcd, 0x0a0b0c0d)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(buf[2:4]))
	require.Equal(t, uint32(0x5678abcd), binary.BigEndian.Uint32(buf[4:8]))
	require.Equal(t, uint32(0x0a0b0c0d), binary.BigEndian.Uint32(buf[8:12]))
}

// TestSyncPacketLatencyOffset covers Testable Property 5:
// rtpTimeLessLatency == rtpTime - 77175.
func TestSyncPacketLatencyOffset(t *testing.T) {
	pkt := newSyncPacket(false, 0, 100000)
	require.Equal(t, uint32(100000-nominalBufferTicks), pkt.RTPTimeLessLatency)

	wire := pkt.marshal()
	require.Len(t, wire, 20)
	require.Equal(t, byte(0xD0), wire[0])
	require.Equal(t, byte(ptSync), wire[1])
	require.Equal(t, uint16(0x0007), binary.BigEndian.Uint16(wire[2:4]))
	require.Equal(t, uint32(100000), binary.BigEndian.Uint32(wire[12:16]))
	require.Equal(t, uint32(100000-nominalBufferTicks), binary.BigEndian.Uint32(wire[16:20]))
}

func TestSyncPacketFirstFlag(t *testing.T) {
	pkt := newSyncPacket(true, 0, 1000)
	wire := pkt.marshal()
	require.Equal(t, byte(0x90), wire[0])
}

// TestTimingResponseReflectsSendTime covers Testable Property 6:
// referenceTime == request.sendTime.
func TestTimingResponseReflectsSendTime(t *testing.T) {
	req := make([]byte, 32)
	binary.BigEndian.PutUint64(req[24:32], 0xfeedface12345678)

	tr, err := parseTimingRequest(req)
	require.NoError(t, err)
	sendTime := binary.BigEndian.Uint64(tr.SendTime[:])
	require.Equal(t, uint64(0xfeedface12345678), sendTime)

	resp := marshalTimingResponse(sendTime, 0x1111, 0x2222)
	require.Len(t, resp, 32)
	require.Equal(t, byte(0x80), resp[0])
	require.Equal(t, byte(ptTimingR), resp[1])
	require.Equal(t, sendTime, binary.BigEndian.Uint64(resp[8:16]))
	require.Equal(t, uint64(0x1111), binary.BigEndian.Uint64(resp[16:24]))
	require.Equal(t, uint64(0x2222), binary.BigEndian.Uint64(resp[24:32]))
}

func TestResendResponseWrapsOriginalPayload(t *testing.T) {
	original := PacketSlot{Payload: []byte{1, 2, 3, 4}}
	wire := marshalResendResponse(7, original)
	require.Equal(t, byte(0x80), wire[0])
	require.Equal(t, byte(ptResendR), wire[1])
	require.Equal(t, uint16(7), binary.BigEndian.Uint16(wire[2:4]))
	require.Equal(t, original.Payload, wire[4:])
}
