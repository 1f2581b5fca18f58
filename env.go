package raopcore

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Environment is the explicit context every constructor takes in place of
// the package-level singletons (Options::getOptions(), ServiceDiscovery::
// impl(), DeviceDiscovery::impl()) the original implementation used — see
// spec.md §9 "Ambient singletons". It carries everything a test needs to
// pin down: logging, randomness, and (via Now) the clock.
type Environment struct {
	Log  zerolog.Logger
	Rand io.Reader // source of cryptographic randomness; crypto/rand.Reader in production
	Now  func() time.Time
}

// NewEnvironment returns a production Environment: a quiet logger, the
// system CSPRNG and the real clock. Callers typically override Log.
func NewEnvironment() *Environment {
	return &Environment{
		Log:  zerolog.Nop(),
		Rand: rand.Reader,
		Now:  time.Now,
	}
}

// NewSessionID returns a fresh random id for a streaming session; Device.Open
// uses it as the path of the RTSP session URI.
func (e *Environment) NewSessionID() string {
	return uuid.New().String()
}
