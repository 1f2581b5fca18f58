package raopcore

// packet buffer sizing, spec.md §4.4 step 6.
const (
	packetBufferCount  = 250 // unsent head slots (~2s pending at 352 frames/pkt)
	packetMemoryCount  = 500 // total retained slots (~4s history)
)

// PacketSlot is one packed RTP audio payload retained for possible resend.
type PacketSlot struct {
	Seq         uint16
	PayloadSize int
	OriginalSize int // pre-pad, pre-encode length, for progress reporting
	FrameCount  int
	Payload     []byte
	Valid       bool
}

// PacketBuffer is a fixed-capacity ring over PacketSlots: slots ahead of
// the "sent" cursor are pending delivery, slots behind it are retained
// history available for PT=0x55 resend requests. Exactly two of these
// exist per Engine — one for the secured (AES-CBC) stream, one for the
// clear stream — because a device's encryption setting may change
// mid-session and the engine-wide resend history must cover both (an open
// question spec.md §9 leaves for the implementer to decide this way).
type PacketBuffer struct {
	slots    []PacketSlot
	capacity int
}

// NewPacketBuffer allocates a buffer with packetMemoryCount total capacity.
func NewPacketBuffer() *PacketBuffer {
	return &PacketBuffer{
		slots:    make([]PacketSlot, packetMemoryCount),
		capacity: packetMemoryCount,
	}
}

// Put stores a slot at the position its sequence number maps to.
func (p *PacketBuffer) Put(seq uint16, payload []byte, originalSize, frameCount int) {
	idx := int(seq) % p.capacity
	p.slots[idx] = PacketSlot{
		Seq:          seq,
		PayloadSize:  len(payload),
		OriginalSize: originalSize,
		FrameCount:   frameCount,
		Payload:      payload,
		Valid:        true,
	}
}

// Get returns the slot for seq if it is still present and matches seq
// (i.e. hasn't been overwritten by a later wrap of the ring).
func (p *PacketBuffer) Get(seq uint16) (PacketSlot, bool) {
	idx := int(seq) % p.capacity
	slot := p.slots[idx]
	if !slot.Valid || slot.Seq != seq {
		return PacketSlot{}, false
	}
	return slot, true
}

// Reset discards all retained slots.
func (p *PacketBuffer) Reset() {
	for i := range p.slots {
		p.slots[i] = PacketSlot{}
	}
}

// resendAge computes age(S) = (outgoingSeq - missedSeq) mod 2^16, spec.md
// §4.4's Control socket resend resolution.
func resendAge(outgoingSeq, missedSeq uint16) uint16 {
	return outgoingSeq - missedSeq
}

// resendable reports whether a slot of the given age is still within the
// retained history window (spec.md invariant 4: age in [1, 500]).
func resendable(age uint16) bool {
	return age >= 1 && int(age) <= packetMemoryCount
}
