package ringbuf

import "errors"

// errBufferFull is returned by Write when buf would not fit in the
// remaining free space; spec.md §7 classifies this as "Producer overflow"
// — a contract violation the caller (the Player integration) must not
// trigger under normal operation.
var errBufferFull = errors.New("ringbuf: write exceeds free capacity")
