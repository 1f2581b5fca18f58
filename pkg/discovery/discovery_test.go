package discovery

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFullName(t *testing.T) {
	require.Equal(t, "kitchen._raop._tcp.local.", FullName("kitchen", RAOPServiceType))
}

func TestRefLifecycle(t *testing.T) {
	d := New(zerolog.Nop())

	cancelled := false
	done := make(chan struct{})
	ref := d.newRef(func() { cancelled = true }, done)

	d.mu.Lock()
	_, tracked := d.refs[ref]
	d.mu.Unlock()
	require.True(t, tracked)

	go close(done)
	d.Stop(ref)
	require.True(t, cancelled)

	d.mu.Lock()
	_, stillTracked := d.refs[ref]
	d.mu.Unlock()
	require.False(t, stillTracked)
}

func TestStopUnknownRefIsNoop(t *testing.T) {
	d := New(zerolog.Nop())
	d.Stop("ref-does-not-exist")
}
