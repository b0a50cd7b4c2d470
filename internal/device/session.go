package device

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"plexlink/internal/artwork"
	"plexlink/internal/models"
	"plexlink/internal/plex"
)

// Command status codes, mirroring the permissive contract of the remote
// entity layer: transport failures are reported as accepted so the
// remote UI stays responsive.
type CommandStatus int

const (
	CommandOK CommandStatus = iota
	CommandNotImplemented
	CommandUnavailable
)

// Command identifiers accepted by Command.
const (
	CmdPlayPause   = "play_pause"
	CmdStop        = "stop"
	CmdSeek        = "seek"
	CmdVolume      = "volume"
	CmdMute        = "mute"
	CmdNext        = "next"
	CmdPrevious    = "previous"
	CmdFastForward = "fast_forward"
	CmdRewind      = "rewind"
	CmdHome        = "home"
	CmdBack        = "back"
	CmdMenu        = "menu"
	CmdContextMenu = "context_menu"
	CmdCursorUp    = "cursor_up"
	CmdCursorDown  = "cursor_down"
	CmdCursorLeft  = "cursor_left"
	CmdCursorRight = "cursor_right"
	CmdCursorEnter = "cursor_enter"
	CmdChannelUp   = "channel_up"
	CmdChannelDown = "channel_down"
)

// DeviceSession is the single externally visible state machine for one
// physical device. It composes the connection manager, push decoder,
// session resolver and artwork cache, merges their partial updates into
// a coherent attribute set, and re-emits one event per logical change.
type DeviceSession struct {
	cfg     models.DeviceConfig
	decoder *plex.Decoder
	art     *artwork.Cache
	conn    *ConnectionManager
	account *plex.Account
	workers *semaphore.Weighted

	mu         sync.Mutex
	client     *plex.Client
	player     *plex.PlayerClient
	snapshot   models.SessionSnapshot
	playState  models.PlaybackState
	hasSession bool
	volume     int
	muted      bool
	// resetSeq increments on every stop/reset; background fetch results
	// tagged with an older value are stale even within one epoch
	resetSeq uint64
	// bgCtx scopes epoch-owned background fetches, renewed per channel
	// epoch and cancelled on disconnect
	bgCtx    context.Context
	bgCancel context.CancelFunc

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewSession creates the session for one configured device. workers is
// the process-wide gate for blocking server calls; it is shared across
// devices and must not be nil.
func NewSession(cfg models.DeviceConfig, workers *semaphore.Weighted) *DeviceSession {
	s := &DeviceSession{
		cfg:         cfg,
		decoder:     plex.NewDecoder(cfg.Identifier),
		art:         artwork.NewCache(artwork.DefaultMaxSize),
		account:     plex.NewAccount(),
		workers:     workers,
		playState:   models.PlaybackUnknown,
		subscribers: make(map[chan Event]struct{}),
	}
	// pre-cancelled until the first epoch opens
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.bgCancel()
	if cfg.AuthToken != "" {
		s.client = plex.NewClient(cfg.BaseURL(), cfg.AuthToken)
	}
	s.conn = NewConnectionManager(cfg.Identifier, s.dialPush)
	s.conn.onState = s.onConnState
	s.conn.onChannel = s.onChannel
	return s
}

func (s *DeviceSession) Identifier() string         { return s.cfg.Identifier }
func (s *DeviceSession) Name() string               { return s.cfg.Name }
func (s *DeviceSession) Config() models.DeviceConfig { return s.cfg }

// Connect delegates to the connection manager. Idempotent.
func (s *DeviceSession) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Disconnect tears down the connection epoch, cancels in-flight detail
// and artwork fetches, and clears the live session state. Idempotent;
// no update events follow its return.
func (s *DeviceSession) Disconnect() {
	s.conn.Disconnect()
	s.mu.Lock()
	s.bgCancel()
	s.snapshot = models.SessionSnapshot{}
	s.playState = models.PlaybackUnknown
	s.hasSession = false
	s.mu.Unlock()
	s.art.Clear()
}

// State derives the canonical playback state from connection liveness,
// the last pushed play-state and session presence.
func (s *DeviceSession) State() models.PlaybackState {
	connected := s.conn.State() == models.ConnConnected
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.DeriveState(connected, s.playState, s.hasSession)
}

// ConnectionState exposes the push-channel lifecycle state.
func (s *DeviceSession) ConnectionState() models.ConnectionState {
	return s.conn.State()
}

// Attributes returns the full current attribute snapshot.
func (s *DeviceSession) Attributes() map[string]any {
	state := s.State()
	s.mu.Lock()
	defer s.mu.Unlock()

	art := s.snapshot.ArtworkURL
	if state == models.PlaybackOff || state == models.PlaybackIdle {
		art = s.art.Fallback()
	}
	updatedAt := ""
	if !s.snapshot.UpdatedAt.IsZero() {
		updatedAt = s.snapshot.UpdatedAt.Format(time.RFC3339)
	}
	return map[string]any{
		AttrState:             string(state),
		AttrPosition:          s.snapshot.PositionS,
		AttrPositionUpdatedAt: updatedAt,
		AttrDuration:          s.snapshot.DurationS,
		AttrMediaType:         string(s.snapshot.MediaType),
		AttrTitle:             s.snapshot.Title,
		AttrArtist:            s.snapshot.Artist,
		AttrAlbum:             s.snapshot.Album,
		AttrArtwork:           art,
		AttrVolume:            s.volume,
		AttrMuted:             s.muted,
	}
}

// Subscribe registers an event channel; the returned channel is the
// subscription handle to pass to Unsubscribe.
func (s *DeviceSession) Subscribe() chan Event {
	ch := make(chan Event, 16)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *DeviceSession) Unsubscribe(ch chan Event) {
	s.subMu.Lock()
	_, exists := s.subscribers[ch]
	delete(s.subscribers, ch)
	s.subMu.Unlock()
	if exists {
		close(ch)
	}
}

func (s *DeviceSession) emit(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop rather than stall the update path
		}
	}
}

func (s *DeviceSession) onConnState(state models.ConnectionState, message string) {
	kind := EventDisconnected
	switch state {
	case models.ConnConnecting:
		kind = EventConnecting
	case models.ConnConnected:
		kind = EventConnected
	case models.ConnError:
		kind = EventError
	}
	s.emit(Event{Kind: kind, DeviceID: s.cfg.Identifier, Message: message})
}

// dialPush is the connection manager's transport hook: resolve the
// client (plex.tv sign-in when the config has no token), verify HTTP
// reachability, then open the push channel.
func (s *DeviceSession) dialPush(ctx context.Context) (pushConn, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := client.TestConnection(ctx); err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}
	ch, err := plex.DialPush(ctx, client.BaseURL(), client.Token())
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *DeviceSession) ensureClient(ctx context.Context) (*plex.Client, error) {
	s.mu.Lock()
	if s.client != nil {
		c := s.client
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	// credential sign-in is a blocking remote call, gate it
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.workers.Release(1)

	token, err := s.account.SignIn(ctx, s.cfg.Username, s.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("plex.tv sign-in: %w", err)
	}
	baseURL := s.cfg.BaseURL()
	if s.cfg.ServerName != "" {
		uri, accessToken, err := s.account.ResolveServer(ctx, token, s.cfg.ServerName)
		if err == nil {
			baseURL = uri
			token = accessToken
		} else {
			slog.Debug("resolving server by name failed, using configured address",
				"device", s.cfg.Identifier, "error", err)
		}
	}

	client := plex.NewClient(baseURL, token)
	s.mu.Lock()
	s.client = client
	s.player = nil
	s.mu.Unlock()
	return client, nil
}

// onChannel starts the frame pump for a fresh connection epoch.
func (s *DeviceSession) onChannel(epoch uint64, ch pushConn) {
	s.mu.Lock()
	s.bgCancel()
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	go s.consume(epoch, ch)
}

// epochContext returns the context scoping this epoch's background
// fetches. Disconnect cancels it.
func (s *DeviceSession) epochContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bgCtx
}

func (s *DeviceSession) consume(epoch uint64, ch pushConn) {
	for frame := range ch.Frames() {
		u, ok := s.decoder.Decode(frame)
		if !ok {
			continue
		}
		s.apply(epoch, u)
	}
}

// apply merges a push-frame update. Frames are processed in arrival
// order by the epoch's single consume goroutine.
func (s *DeviceSession) apply(epoch uint64, u models.Update) {
	s.mu.Lock()
	seq := s.resetSeq
	s.mu.Unlock()
	s.applyTagged(epoch, seq, u)
}

// applyTagged merges a partial update under sparse-merge semantics and
// emits one update event. Updates from a stale epoch, or from before
// the latest stop/reset, are discarded: a pending detail or artwork
// fetch must never resurrect media data after a stop.
func (s *DeviceSession) applyTagged(epoch, seq uint64, u models.Update) {
	if epoch != s.conn.Epoch() {
		return
	}
	if u.Empty() {
		return
	}

	s.mu.Lock()
	if seq != s.resetSeq {
		s.mu.Unlock()
		return
	}
	stopped := u.State != nil && *u.State == models.PlaybackOff
	if u.State != nil {
		s.playState = *u.State
		if stopped {
			s.hasSession = false
			s.snapshot = models.SessionSnapshot{}
			s.resetSeq++
		}
	}
	if u.PositionS != nil {
		s.snapshot.PositionS = *u.PositionS
	}
	if u.UpdatedAt != nil {
		s.snapshot.UpdatedAt = *u.UpdatedAt
	}
	if u.DurationS != nil {
		s.snapshot.DurationS = *u.DurationS
	}
	if u.MediaType != nil {
		s.snapshot.MediaType = *u.MediaType
	}
	if u.Title != nil {
		s.snapshot.Title = *u.Title
	}
	if u.Artist != nil {
		s.snapshot.Artist = *u.Artist
	}
	if u.Album != nil {
		s.snapshot.Album = *u.Album
	}
	if u.Artwork != nil {
		s.snapshot.ArtworkURL = *u.Artwork
	}
	detailSeq := s.resetSeq
	s.mu.Unlock()

	if stopped {
		s.art.Clear()
	}

	s.emit(Event{Kind: EventUpdate, DeviceID: s.cfg.Identifier, Attributes: attrsFromUpdate(u)})

	if u.NeedsDetail {
		go s.fetchDetail(epoch, detailSeq)
	}
}

// fetchDetail resolves the full session record off the decode path and
// emits a second, separate partial update. A result arriving after a
// stop or reconnect carries a stale epoch and is dropped; a disconnect
// cancels the fetch outright.
func (s *DeviceSession) fetchDetail(epoch, seq uint64) {
	ctx, cancel := context.WithTimeout(s.epochContext(), 2*connectTimeout)
	defer cancel()

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.workers.Release(1)

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}

	session, err := client.FindSession(ctx, s.cfg.Identifier)
	if err != nil {
		slog.Debug("session resolve failed", "device", s.cfg.Identifier, "error", err)
		return
	}
	if epoch != s.conn.Epoch() {
		return
	}
	if session == nil {
		s.mu.Lock()
		if seq == s.resetSeq {
			s.hasSession = false
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if seq != s.resetSeq {
		s.mu.Unlock()
		return
	}
	mediaChanged := s.snapshot.RatingKey != session.RatingKey
	s.snapshot.RatingKey = session.RatingKey
	s.hasSession = true
	s.mu.Unlock()

	duration := float64(session.DurationMs) / 1000.0
	mediaType := session.MediaType()
	title := session.Title
	u := models.Update{
		DurationS: &duration,
		MediaType: &mediaType,
		Title:     &title,
	}
	if label := session.SeasonEpisode(); label != "" {
		u.Artist = &label
	}
	if session.Type == "track" {
		artist := session.GrandparentTitle
		album := session.ParentTitle
		u.Artist = &artist
		u.Album = &album
	}
	s.applyTagged(epoch, seq, u)

	if mediaChanged {
		// artwork re-resolves only when the underlying media item changes
		s.art.Clear()
	}
	if url := client.ArtworkURL(session, s.cfg.TVSelection, s.cfg.MovieSelection); url != "" {
		go s.fetchArtwork(epoch, seq, url)
	}
}

// fetchArtwork resolves artwork in the background; completion emits its
// own standalone update so the text attributes are never delayed.
func (s *DeviceSession) fetchArtwork(epoch, seq uint64, url string) {
	ctx, cancel := context.WithTimeout(s.epochContext(), 3*connectTimeout)
	defer cancel()

	encoded := s.art.Resolve(ctx, url)
	if encoded == "" {
		return
	}
	s.applyTagged(epoch, seq, models.Update{Artwork: &encoded})
}

// Command dispatches a remote-control action to the player through the
// server proxy. Unsupported ids return CommandNotImplemented; transport
// failures are swallowed and reported as accepted.
func (s *DeviceSession) Command(ctx context.Context, cmdID string, params map[string]any) CommandStatus {
	player := s.ensurePlayer()
	if player == nil {
		return CommandUnavailable
	}

	var err error
	switch cmdID {
	case CmdPlayPause, CmdCursorEnter:
		s.mu.Lock()
		playing := s.playState == models.PlaybackPlaying
		s.mu.Unlock()
		if playing {
			err = player.Pause(ctx)
		} else {
			err = player.Play(ctx)
		}
	case CmdStop:
		err = player.Stop(ctx)
	case CmdSeek:
		position, _ := numParam(params, "media_position")
		err = player.SeekTo(ctx, int64(position*1000))
	case CmdVolume:
		level, _ := numParam(params, "volume")
		err = player.SetVolume(ctx, int(level))
		s.mu.Lock()
		s.volume = int(level)
		s.muted = false
		s.mu.Unlock()
	case CmdMute:
		err = player.SetVolume(ctx, 0)
		s.mu.Lock()
		s.muted = true
		s.mu.Unlock()
	case CmdNext, CmdCursorRight:
		err = player.MoveRight(ctx)
	case CmdPrevious, CmdCursorLeft:
		err = player.StepBack(ctx)
	case CmdFastForward:
		err = player.SkipNext(ctx)
	case CmdRewind:
		err = player.SkipPrevious(ctx)
	case CmdCursorUp:
		err = player.MoveUp(ctx)
	case CmdCursorDown:
		err = player.MoveDown(ctx)
	case CmdHome:
		err = player.GoHome(ctx)
	case CmdBack, CmdMenu:
		err = player.GoBack(ctx)
	case CmdContextMenu:
		err = player.ContextMenu(ctx)
	case CmdChannelUp, CmdChannelDown:
		// accepted, no mapped player verb
	default:
		return CommandNotImplemented
	}

	if err != nil {
		// the player may simply not support this verb; keep the remote responsive
		log.Printf("command %s on %s: %v", cmdID, s.cfg.Identifier, err)
	}
	return CommandOK
}

func (s *DeviceSession) ensurePlayer() *plex.PlayerClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		return s.player
	}
	if s.client == nil {
		return nil
	}
	s.player = plex.NewPlayerClient(s.client, s.cfg.Identifier)
	return s.player
}

func numParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// compile-time check: the real push channel satisfies the transport interface
var _ pushConn = (*plex.PushChannel)(nil)
