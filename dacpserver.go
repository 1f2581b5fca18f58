package raopcore

import (
	"fmt"

	"github.com/airstream-project/raopcore/pkg/dacp"
	"github.com/airstream-project/raopcore/pkg/discovery"
)

// DACPServer bundles the pkg/dacp HTTP listener with its mDNS
// advertisement, spec.md §4.9. It is the companion remote-control surface
// speakers use to drive the player and retarget a single device's volume.
type DACPServer struct {
	env  *Environment
	disc *discovery.Discovery
	srv  *dacp.Server
	ref  string
}

// NewDACPServer wires a DACPServer around player (dispatched to for
// playback commands) and manager (used to retarget per-device volume by
// remote-control id).
func NewDACPServer(env *Environment, disc *discovery.Discovery, player dacp.Player, manager *DeviceManager, userAgent string) *DACPServer {
	id := dacp.DeriveID(userAgent, dacp.Hostname())
	srv := dacp.New(env.Log, player, deviceVolumeAdapter{manager}, userAgent, id)
	return &DACPServer{env: env, disc: disc, srv: srv}
}

// Start binds the listener and advertises it via mDNS.
func (s *DACPServer) Start() error {
	port, err := s.srv.Listen()
	if err != nil {
		return fmt.Errorf("raop dacp server: listen: %w", err)
	}

	ref, err := s.disc.RegisterService(s.srv.ServiceName(), discovery.DACPServiceType, port, s.srv.ServiceTXT())
	if err != nil {
		s.srv.Close()
		return fmt.Errorf("raop dacp server: register: %w", err)
	}
	s.ref = ref
	return nil
}

// Stop withdraws the mDNS advertisement and closes the listener.
func (s *DACPServer) Stop() {
	if s.ref != "" {
		s.disc.Stop(s.ref)
		s.ref = ""
	}
	s.srv.Close()
}

type deviceVolumeAdapter struct {
	manager *DeviceManager
}

func (a deviceVolumeAdapter) SetDeviceVolume(remoteControlID uint32, volume float64) error {
	return a.manager.SetDeviceVolumeByRemoteID(remoteControlID, volume)
}
