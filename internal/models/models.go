package models

import (
	"errors"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("not found")
var ErrNotImplemented = errors.New("not implemented")

// ConnectionState tracks the lifecycle of a device's push channel.
// Owned exclusively by the connection manager.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnError        ConnectionState = "error"
)

// PlaybackState is the externally visible playback state of a device.
// It is always derived, never stored authoritatively; see DeriveState.
type PlaybackState string

const (
	PlaybackUnknown   PlaybackState = "unknown"
	PlaybackOff       PlaybackState = "off"
	PlaybackIdle      PlaybackState = "idle"
	PlaybackOn        PlaybackState = "on"
	PlaybackBuffering PlaybackState = "buffering"
	PlaybackPaused    PlaybackState = "paused"
	PlaybackPlaying   PlaybackState = "playing"
	PlaybackSeeking   PlaybackState = "seeking"
	PlaybackStopped   PlaybackState = "stopped"
)

type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tvshow"
	MediaTypeMusic MediaType = "music"
	MediaTypeVideo MediaType = "video"
	MediaTypeNone  MediaType = ""
)

// MediaTypeFromPlex maps a Plex item type to the normalized media type.
func MediaTypeFromPlex(t string) MediaType {
	switch t {
	case "movie":
		return MediaTypeMovie
	case "episode", "show", "season", "channel":
		return MediaTypeTV
	case "track", "album", "artist", "song", "audio":
		return MediaTypeMusic
	case "video", "musicvideo", "clip":
		return MediaTypeVideo
	default:
		return MediaTypeNone
	}
}

// Artwork selection preferences, one value per media class. The zero
// value falls back to the series poster (TV) or item poster (movies).
const (
	TVPosterSeries  = "tv-poster-series"
	TVPosterSeason  = "tv-poster-season"
	TVPosterEpisode = "tv-poster-episode"
	TVPosterArt     = "tv-poster-art"
	MoviePoster     = "movie-poster"
	MovieArt        = "movie-art"
)

// DeviceConfig is a configured Plex client. Read-only to the core:
// each connection attempt works from an immutable snapshot.
type DeviceConfig struct {
	ID             int64     `json:"id"`
	Identifier     string    `json:"identifier"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Port           int       `json:"port"`
	Username       string    `json:"username,omitempty"`
	Password       string    `json:"-"`
	AuthToken      string    `json:"-"`
	ServerName     string    `json:"server_name,omitempty"`
	TVSelection    string    `json:"tv_selection,omitempty"`
	MovieSelection string    `json:"movie_selection,omitempty"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (d *DeviceConfig) Validate() error {
	if d.Identifier == "" {
		return errors.New("identifier is required")
	}
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.Address == "" {
		return errors.New("address is required")
	}
	if d.AuthToken == "" && (d.Username == "" || d.Password == "") {
		return errors.New("auth_token or username/password is required")
	}
	return nil
}

// BaseURL returns the server base URL for this device's config.
func (d *DeviceConfig) BaseURL() string {
	if d.Address == "" {
		return ""
	}
	if d.Port > 0 {
		return d.Address + ":" + strconv.Itoa(d.Port)
	}
	return d.Address
}

// SessionSnapshot is the normalized view of the active playback session
// bound to one device. Replaced wholesale on every successful session
// query, cleared on stop or disconnect.
type SessionSnapshot struct {
	RatingKey  string
	MediaType  MediaType
	Title      string
	Artist     string // season/episode label for episodic content
	Album      string
	DurationS  float64
	PositionS  float64
	UpdatedAt  time.Time
	ArtworkURL string
}

// Update is a sparse partial-update record. Only non-nil fields
// participate in a merge; everything else is left untouched.
type Update struct {
	State     *PlaybackState
	PositionS *float64
	UpdatedAt *time.Time
	DurationS *float64
	MediaType *MediaType
	Title     *string
	Artist    *string
	Album     *string
	Artwork   *string

	// NeedsDetail marks updates whose push frame referenced an active
	// session; the full detail must be fetched off the decode path.
	NeedsDetail bool
	SessionKey  string
}

func (u *Update) Empty() bool {
	return u.State == nil && u.PositionS == nil && u.UpdatedAt == nil &&
		u.DurationS == nil && u.MediaType == nil && u.Title == nil &&
		u.Artist == nil && u.Album == nil && u.Artwork == nil
}

// ResetUpdate is the canonical "going idle" transition: playback off,
// zeroed timeline, cleared text and artwork.
func ResetUpdate() Update {
	state := PlaybackOff
	zero := 0.0
	empty := ""
	none := MediaTypeNone
	var epoch time.Time
	return Update{
		State:     &state,
		PositionS: &zero,
		DurationS: &zero,
		UpdatedAt: &epoch,
		MediaType: &none,
		Title:     &empty,
		Artist:    &empty,
		Album:     &empty,
		Artwork:   &empty,
	}
}

// DeriveState computes the canonical playback state. Precedence:
// explicit paused > explicit playing/buffering/seeking > explicit
// stopped/off > connection down > no active player (idle) > on.
func DeriveState(connected bool, playState PlaybackState, hasSession bool) PlaybackState {
	switch playState {
	case PlaybackPaused:
		return PlaybackPaused
	case PlaybackPlaying:
		return PlaybackPlaying
	case PlaybackBuffering:
		return PlaybackBuffering
	case PlaybackSeeking:
		return PlaybackSeeking
	case PlaybackStopped, PlaybackOff:
		return PlaybackOff
	}
	if !connected {
		return PlaybackOff
	}
	if !hasSession {
		return PlaybackIdle
	}
	return PlaybackOn
}
