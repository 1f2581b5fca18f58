package headers

import "fmt"

// RTPInfo is the RTP-Info header sent with RECORD/FLUSH: the sequence
// number and RTP timestamp of the packet about to start (or resume) the
// stream.
type RTPInfo struct {
	Seq  uint16
	Time uint32
}

// Write renders the RTP-Info header value.
func (r RTPInfo) Write() string {
	return fmt.Sprintf("seq=%d;rtptime=%d", r.Seq, r.Time)
}
