// Package dacp implements the companion remote-control HTTP server,
// spec.md §4.9: speakers discover it over mDNS and issue playback/volume
// commands back to the player.
package dacp

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// basePort is the first port tried, spec.md §4.9 "Listens on TCP port
// 3689 (tries next port if bound)".
const basePort = 3689

// portProbeAttempts bounds how many consecutive ports are tried.
const portProbeAttempts = 32

// protocolVersion is the fixed DACP TXT record version, spec.md §4.9
// "Ver=65536".
const protocolVersion = 65536

// readTimeout bounds how long handleConn waits for a request line before
// giving up on a client, mirroring the RTSP client's io timeouts.
const readTimeout = 10 * time.Second

// Player is dispatched to for every ctrl-int command except setproperty's
// per-speaker volume retarget.
type Player interface {
	Play() error
	PlayPause() error
	Pause() error
	Stop() error
	RestartItem() error
	NextItem() error
	PrevItem() error
	VolumeUp() error
	VolumeDown() error
	MuteToggle() error
	ShuffleSongs() error
}

// DeviceVolumeSetter retargets a single speaker's volume by the
// remote-control id carried in the command's Active-Remote header,
// spec.md §4.9's setproperty dmcp.device-volume handling.
type DeviceVolumeSetter interface {
	SetDeviceVolume(remoteControlID uint32, volume float64) error
}

// DeriveID computes the stable-within-a-run dacpId, spec.md §4.9:
// (hash(version) << 32) | hash(hostname).
func DeriveID(version, hostname string) uint64 {
	hi := uint64(hash32(version))
	lo := uint64(hash32(hostname))
	return hi<<32 | lo
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// HexID formats a dacpId as 16 hex upper digits, the form used both in the
// advertised instance name and in Active-Remote/Client-Instance headers
// across the codebase.
func HexID(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

// Server is the DACP remote-control HTTP listener.
type Server struct {
	log          zerolog.Logger
	player       Player
	deviceVolume DeviceVolumeSetter
	userAgent    string
	dacpID       uint64

	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server bound to the given Player/DeviceVolumeSetter.
// dacpID should come from DeriveID and stay fixed for the process lifetime.
func New(log zerolog.Logger, player Player, deviceVolume DeviceVolumeSetter, userAgent string, dacpID uint64) *Server {
	return &Server{
		log:          log,
		player:       player,
		deviceVolume: deviceVolume,
		userAgent:    userAgent,
		dacpID:       dacpID,
	}
}

// Listen binds the first free TCP port at or after basePort and starts the
// accept loop. It returns the bound port for mDNS registration.
func (s *Server) Listen() (int, error) {
	var lastErr error
	for i := 0; i < portProbeAttempts; i++ {
		port := basePort + i
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			s.ln = ln
			s.wg.Add(1)
			go s.run()
			return port, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("dacp: no free port in [%d,%d]: %w", basePort, basePort+portProbeAttempts-1, lastErr)
}

// ServiceName is the mDNS instance name to register, spec.md §4.9:
// "iTunes_Ctrl_<16-hex-upper dacpId>".
func (s *Server) ServiceName() string {
	return "iTunes_Ctrl_" + HexID(s.dacpID)
}

// ServiceTXT is the TXT record to advertise alongside ServiceName.
func (s *Server) ServiceTXT() map[string]string {
	return map[string]string{
		"Ver":  strconv.Itoa(protocolVersion),
		"DbId": HexID(s.dacpID),
	}
}

// Close stops accepting connections and waits (best-effort, 5s) for
// in-flight handlers to finish.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("dacp: server did not stop within 5s")
	}
}

func (s *Server) run() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	br := bufio.NewReader(conn)

	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	defer req.Body.Close()

	status := s.dispatch(req)
	writeResponse(conn, status, s.userAgent)
}

// dispatch implements spec.md §4.9's path grammar and returns the HTTP
// status to send: 204 if understood, 501 otherwise.
func (s *Server) dispatch(req *http.Request) int {
	if req.Method != http.MethodGet {
		return http.StatusNotImplemented
	}

	const prefix = "/ctrl-int/1/"
	if !strings.HasPrefix(req.URL.Path, prefix) {
		return http.StatusNotImplemented
	}
	cmd := strings.TrimPrefix(req.URL.Path, prefix)

	if cmd == "setproperty" {
		return s.dispatchSetProperty(req)
	}

	if s.player == nil {
		return http.StatusNotImplemented
	}

	var err error
	switch cmd {
	case "play":
		err = s.player.Play()
	case "playpause":
		err = s.player.PlayPause()
	case "pause":
		err = s.player.Pause()
	case "stop":
		err = s.player.Stop()
	case "restartitem":
		err = s.player.RestartItem()
	case "nextitem":
		err = s.player.NextItem()
	case "previtem":
		err = s.player.PrevItem()
	case "volumeup":
		err = s.player.VolumeUp()
	case "volumedown":
		err = s.player.VolumeDown()
	case "mutetoggle":
		err = s.player.MuteToggle()
	case "shufflesongs":
		err = s.player.ShuffleSongs()
	default:
		return http.StatusNotImplemented
	}
	if err != nil {
		s.log.Debug().Err(err).Str("cmd", cmd).Msg("dacp: command handler failed")
		return http.StatusNotImplemented
	}
	return http.StatusNoContent
}

func (s *Server) dispatchSetProperty(req *http.Request) int {
	volStr := req.URL.Query().Get("dmcp.device-volume")
	if volStr == "" || s.deviceVolume == nil {
		return http.StatusNotImplemented
	}

	vol, err := strconv.ParseFloat(volStr, 64)
	if err != nil {
		return http.StatusNotImplemented
	}

	remoteID, err := parseActiveRemote(req.Header.Get("Active-Remote"))
	if err != nil {
		return http.StatusNotImplemented
	}

	if err := s.deviceVolume.SetDeviceVolume(remoteID, vol); err != nil {
		s.log.Debug().Err(err).Msg("dacp: setDeviceVolume failed")
		return http.StatusNotImplemented
	}
	return http.StatusNoContent
}

func parseActiveRemote(v string) (uint32, error) {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func writeResponse(conn net.Conn, status int, userAgent string) {
	statusText := http.StatusText(status)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", status, statusText)
	fmt.Fprintf(conn, "Content-Type: application/x-dmap-tagged\r\n")
	fmt.Fprintf(conn, "Content-Length: 0\r\n")
	fmt.Fprintf(conn, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(conn, "DAAP-Server: %s\r\n", userAgent)
	fmt.Fprint(conn, "\r\n")
}

// Hostname is a small wrapper so callers deriving a dacpId don't need to
// import os directly.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
