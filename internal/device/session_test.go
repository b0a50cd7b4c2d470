package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"plexlink/internal/models"
	"plexlink/internal/plex"
)

const testClientID = "client-1"

const episodeSessionXML = `<MediaContainer size="1">
  <Video sessionKey="7" ratingKey="101" type="episode" title="The Pilot"
    parentTitle="Season 1" grandparentTitle="Some Show" parentIndex="1" index="2"
    duration="1800000" viewOffset="93000"
    thumb="/library/metadata/101/thumb/1" parentThumb="/library/metadata/100/thumb/1"
    grandparentThumb="/library/metadata/99/thumb/1" art="/library/metadata/99/art/1">
    <Player machineIdentifier="client-1" title="Living Room" product="Plex for Apple TV"
      address="10.0.0.20" local="1"/>
  </Video>
</MediaContainer>`

// testServer is a minimal Plex server double: identity, sessions,
// artwork and player command endpoints.
type testServer struct {
	*httptest.Server

	mu          sync.Mutex
	sessionsXML string
	sessionGate chan struct{} // when set, /status/sessions blocks until closed
	commands    []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{sessionsXML: episodeSessionXML}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/identity":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/status/sessions":
			ts.mu.Lock()
			gate := ts.sessionGate
			body := ts.sessionsXML
			ts.mu.Unlock()
			if gate != nil {
				<-gate
			}
			w.Header().Set("Content-Type", "text/xml")
			fmt.Fprint(w, body)
		case strings.HasPrefix(r.URL.Path, "/library/"):
			w.Header().Set("Content-Type", "image/png")
			w.Write(tinyPNG(t))
		case strings.HasPrefix(r.URL.Path, "/player/"):
			ts.mu.Lock()
			ts.commands = append(ts.commands, r.URL.Path+"?"+r.URL.RawQuery)
			ts.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) gateSessions() chan struct{} {
	gate := make(chan struct{})
	ts.mu.Lock()
	ts.sessionGate = gate
	ts.mu.Unlock()
	return gate
}

func (ts *testServer) commandLog() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, len(ts.commands))
	copy(out, ts.commands)
	return out
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func newTestSession(t *testing.T, ts *testServer) (*DeviceSession, *fakeConn) {
	t.Helper()
	cfg := models.DeviceConfig{
		Identifier: testClientID,
		Name:       "Living Room",
		Address:    ts.URL,
		AuthToken:  "token",
	}
	s := NewSession(cfg, semaphore.NewWeighted(4))
	fc := newFakeConn()
	s.conn.dial = func(ctx context.Context) (pushConn, error) { return fc, nil }
	t.Cleanup(s.Disconnect)
	return s, fc
}

func playFrame(clientID, state string, offsetMs int64) []byte {
	return []byte(fmt.Sprintf(
		`{"kind":"playing","type":"playing","clients":[{"clientIdentifier":%q,"state":%q,"viewOffset":%d,"key":"/library/metadata/101","sessionKey":"7"}]}`,
		clientID, state, offsetMs))
}

func attrEq(s *DeviceSession, key string, want any) func() bool {
	return func() bool { return s.Attributes()[key] == want }
}

func TestSessionPushFrameFlow(t *testing.T) {
	ts := newTestServer(t)
	s, fc := newTestSession(t, ts)

	require.NoError(t, s.Connect(context.Background()))
	fc.frames <- playFrame(testClientID, "playing", 93000)

	require.Eventually(t, func() bool { return s.State() == models.PlaybackPlaying },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, attrEq(s, AttrTitle, "The Pilot"), 2*time.Second, 10*time.Millisecond)

	attrs := s.Attributes()
	assert.Equal(t, 93.0, attrs[AttrPosition])
	assert.Equal(t, 1800.0, attrs[AttrDuration])
	assert.Equal(t, string(models.MediaTypeTV), attrs[AttrMediaType])
	assert.Equal(t, "S01E02", attrs[AttrArtist])

	// artwork resolves in the background as a separate update
	require.Eventually(t, func() bool {
		art, _ := s.Attributes()[AttrArtwork].(string)
		return strings.HasPrefix(art, "data:image/png;base64,")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionPauseFrame(t *testing.T) {
	ts := newTestServer(t)
	s, fc := newTestSession(t, ts)

	require.NoError(t, s.Connect(context.Background()))
	fc.frames <- playFrame(testClientID, "paused", 50000)

	require.Eventually(t, func() bool { return s.State() == models.PlaybackPaused },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 50.0, s.Attributes()[AttrPosition])
}

func TestSessionIgnoresOtherClients(t *testing.T) {
	ts := newTestServer(t)
	s, fc := newTestSession(t, ts)

	require.NoError(t, s.Connect(context.Background()))
	fc.frames <- playFrame("someone-else", "playing", 1000)

	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, models.PlaybackPlaying, s.State())
	assert.Equal(t, 0.0, s.Attributes()[AttrPosition])
}

func TestSessionStoppedFrameResets(t *testing.T) {
	ts := newTestServer(t)
	s, fc := newTestSession(t, ts)

	require.NoError(t, s.Connect(context.Background()))
	fc.frames <- playFrame(testClientID, "playing", 93000)
	require.Eventually(t, attrEq(s, AttrTitle, "The Pilot"), 2*time.Second, 10*time.Millisecond)

	fc.frames <- playFrame(testClientID, "stopped", 0)

	require.Eventually(t, func() bool { return s.State() == models.PlaybackOff },
		2*time.Second, 10*time.Millisecond)
	attrs := s.Attributes()
	assert.Equal(t, "", attrs[AttrTitle])
	assert.Equal(t, 0.0, attrs[AttrPosition])
	// idle artwork falls back to the generated placeholder
	art, _ := attrs[AttrArtwork].(string)
	assert.True(t, strings.HasPrefix(art, "data:image/png;base64,"))
	assert.Equal(t, s.art.Fallback(), art)
}

func TestSessionStopBeatsLateDetail(t *testing.T) {
	ts := newTestServer(t)
	gate := ts.gateSessions()
	s, fc := newTestSession(t, ts)

	require.NoError(t, s.Connect(context.Background()))

	// the detail fetch for this frame is stuck behind the gate
	fc.frames <- playFrame(testClientID, "playing", 93000)
	require.Eventually(t, func() bool { return s.State() == models.PlaybackPlaying },
		2*time.Second, 10*time.Millisecond)

	fc.frames <- playFrame(testClientID, "stopped", 0)
	require.Eventually(t, func() bool { return s.State() == models.PlaybackOff },
		2*time.Second, 10*time.Millisecond)

	// release the stale fetch; its result must be discarded
	close(gate)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, models.PlaybackOff, s.State())
	assert.Equal(t, "", s.Attributes()[AttrTitle])
}

func TestSessionDisconnectDropsLateFrames(t *testing.T) {
	ts := newTestServer(t)
	s, fc := newTestSession(t, ts)

	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()

	assert.Equal(t, models.ConnDisconnected, s.ConnectionState())
	assert.Equal(t, models.PlaybackOff, s.State())
	assert.True(t, fc.isClosed())
}

func TestSessionDisconnectCancelsDetailFetch(t *testing.T) {
	ts := newTestServer(t)
	gate := ts.gateSessions()
	defer close(gate)

	workers := semaphore.NewWeighted(1)
	cfg := models.DeviceConfig{
		Identifier: testClientID,
		Name:       "Living Room",
		Address:    ts.URL,
		AuthToken:  "token",
	}
	s := NewSession(cfg, workers)
	fc := newFakeConn()
	s.conn.dial = func(ctx context.Context) (pushConn, error) { return fc, nil }
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Connect(context.Background()))
	fc.frames <- playFrame(testClientID, "playing", 93000)

	// the detail fetch parks behind the gate holding the only worker slot
	require.Eventually(t, func() bool {
		if workers.TryAcquire(1) {
			workers.Release(1)
			return false
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	s.Disconnect()

	// the slot must free without the gate ever opening
	require.Eventually(t, func() bool {
		if workers.TryAcquire(1) {
			workers.Release(1)
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionCommands(t *testing.T) {
	ts := newTestServer(t)
	s, _ := newTestSession(t, ts)
	ctx := context.Background()

	assert.Equal(t, CommandOK, s.Command(ctx, CmdVolume, map[string]any{"volume": 30.0}))
	assert.Equal(t, 30, s.Attributes()[AttrVolume])
	assert.Equal(t, false, s.Attributes()[AttrMuted])

	assert.Equal(t, CommandOK, s.Command(ctx, CmdMute, nil))
	assert.Equal(t, true, s.Attributes()[AttrMuted])

	assert.Equal(t, CommandOK, s.Command(ctx, CmdHome, nil))
	assert.Equal(t, CommandNotImplemented, s.Command(ctx, "warp_drive", nil))

	log := ts.commandLog()
	require.Len(t, log, 3)
	assert.Contains(t, log[0], "/player/playback/setParameters")
	assert.Contains(t, log[0], "volume=30")
	assert.Contains(t, log[1], "volume=0")
	assert.Contains(t, log[2], "/player/navigation/home")
}

func TestSessionPlayPauseToggle(t *testing.T) {
	ts := newTestServer(t)
	s, _ := newTestSession(t, ts)
	ctx := context.Background()

	// not playing: the toggle sends play
	assert.Equal(t, CommandOK, s.Command(ctx, CmdPlayPause, nil))

	s.mu.Lock()
	s.playState = models.PlaybackPlaying
	s.mu.Unlock()
	assert.Equal(t, CommandOK, s.Command(ctx, CmdPlayPause, nil))

	log := ts.commandLog()
	require.Len(t, log, 2)
	assert.Contains(t, log[0], "/player/playback/play")
	assert.Contains(t, log[1], "/player/playback/pause")
}

func TestSessionCommandSwallowsTransportErrors(t *testing.T) {
	ts := newTestServer(t)
	s, _ := newTestSession(t, ts)

	// point the player at a dead endpoint
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	s.mu.Lock()
	s.client = plex.NewClient(dead.URL, "token")
	s.player = nil
	s.mu.Unlock()

	assert.Equal(t, CommandOK, s.Command(context.Background(), CmdStop, nil))
}

func TestSessionCommandUnavailableWithoutClient(t *testing.T) {
	cfg := models.DeviceConfig{
		Identifier: testClientID,
		Name:       "Living Room",
		Address:    "http://plex.local",
		Username:   "user",
		Password:   "pass",
	}
	s := NewSession(cfg, semaphore.NewWeighted(1))
	assert.Equal(t, CommandUnavailable, s.Command(context.Background(), CmdStop, nil))
}

func TestSessionSubscribe(t *testing.T) {
	ts := newTestServer(t)
	s, _ := newTestSession(t, ts)

	first := s.Subscribe()
	second := s.Subscribe()

	require.NoError(t, s.Connect(context.Background()))

	for _, ch := range []chan Event{first, second} {
		ev := <-ch
		assert.Equal(t, EventConnecting, ev.Kind)
		assert.Equal(t, testClientID, ev.DeviceID)
		ev = <-ch
		assert.Equal(t, EventConnected, ev.Kind)
	}

	s.Unsubscribe(first)
	_, open := <-first
	assert.False(t, open, "unsubscribed channel must be closed")

	// double unsubscribe is a no-op
	s.Unsubscribe(first)
	s.Unsubscribe(second)
}

func TestSessionAttributesWhenOff(t *testing.T) {
	ts := newTestServer(t)
	s, _ := newTestSession(t, ts)

	attrs := s.Attributes()
	assert.Equal(t, string(models.PlaybackOff), attrs[AttrState])
	assert.Equal(t, "", attrs[AttrTitle])
	art, _ := attrs[AttrArtwork].(string)
	assert.True(t, strings.HasPrefix(art, "data:image/png;base64,"))
}
