package dacp

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID("1.0", "speaker-host")
	b := DeriveID("1.0", "speaker-host")
	require.Equal(t, a, b)

	c := DeriveID("1.0", "other-host")
	require.NotEqual(t, a, c)
}

func TestHexID(t *testing.T) {
	require.Equal(t, "0000000000002A2A", HexID(0x2A2A))
}

type fakePlayer struct {
	calls []string
}

func (f *fakePlayer) Play() error         { f.calls = append(f.calls, "play"); return nil }
func (f *fakePlayer) PlayPause() error    { f.calls = append(f.calls, "playpause"); return nil }
func (f *fakePlayer) Pause() error        { f.calls = append(f.calls, "pause"); return nil }
func (f *fakePlayer) Stop() error         { f.calls = append(f.calls, "stop"); return nil }
func (f *fakePlayer) RestartItem() error  { f.calls = append(f.calls, "restartitem"); return nil }
func (f *fakePlayer) NextItem() error     { f.calls = append(f.calls, "nextitem"); return nil }
func (f *fakePlayer) PrevItem() error     { f.calls = append(f.calls, "previtem"); return nil }
func (f *fakePlayer) VolumeUp() error     { f.calls = append(f.calls, "volumeup"); return nil }
func (f *fakePlayer) VolumeDown() error   { f.calls = append(f.calls, "volumedown"); return nil }
func (f *fakePlayer) MuteToggle() error   { f.calls = append(f.calls, "mutetoggle"); return nil }
func (f *fakePlayer) ShuffleSongs() error { f.calls = append(f.calls, "shufflesongs"); return nil }

type fakeVolumeSetter struct {
	remoteID uint32
	volume   float64
}

func (f *fakeVolumeSetter) SetDeviceVolume(remoteControlID uint32, volume float64) error {
	f.remoteID = remoteControlID
	f.volume = volume
	return nil
}

func TestDispatchPlayerCommand(t *testing.T) {
	player := &fakePlayer{}
	s := New(zerolog.Nop(), player, nil, "raopcore", 1)

	req := httptest.NewRequest(http.MethodGet, "/ctrl-int/1/playpause", nil)
	status := s.dispatch(req)

	require.Equal(t, http.StatusNoContent, status)
	require.Equal(t, []string{"playpause"}, player.calls)
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := New(zerolog.Nop(), &fakePlayer{}, nil, "raopcore", 1)
	req := httptest.NewRequest(http.MethodGet, "/ctrl-int/1/doesnotexist", nil)
	require.Equal(t, http.StatusNotImplemented, s.dispatch(req))
}

func TestDispatchSetPropertyRetargetsVolume(t *testing.T) {
	vol := &fakeVolumeSetter{}
	s := New(zerolog.Nop(), &fakePlayer{}, vol, "raopcore", 1)

	req := httptest.NewRequest(http.MethodGet, "/ctrl-int/1/setproperty?dmcp.device-volume=-12.5", nil)
	req.Header.Set("Active-Remote", "98765")

	status := s.dispatch(req)

	require.Equal(t, http.StatusNoContent, status)
	require.Equal(t, uint32(98765), vol.remoteID)
	require.InDelta(t, -12.5, vol.volume, 0.0001)
}

func TestListenAndRespond(t *testing.T) {
	player := &fakePlayer{}
	s := New(zerolog.Nop(), player, nil, "raopcore", 42)

	port, err := s.Listen()
	require.NoError(t, err)
	defer s.Close()
	require.GreaterOrEqual(t, port, basePort)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ctrl-int/1/play HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "application/x-dmap-tagged", resp.Header.Get("Content-Type"))
	require.Equal(t, "raopcore", resp.Header.Get("DAAP-Server"))
}
