package device

import (
	"time"

	"plexlink/internal/models"
)

type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventUpdate       EventKind = "update"
)

// Event is one lifecycle or state-change notification for a device.
// Update events carry only the attributes that changed; subscribers
// merge them into their own canonical store.
type Event struct {
	Kind       EventKind      `json:"kind"`
	DeviceID   string         `json:"device_id"`
	Message    string         `json:"message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Attribute keys carried in update events.
const (
	AttrState             = "state"
	AttrPosition          = "position"
	AttrPositionUpdatedAt = "position_updated_at"
	AttrDuration          = "duration"
	AttrMediaType         = "media_type"
	AttrTitle             = "title"
	AttrArtist            = "artist"
	AttrAlbum             = "album"
	AttrArtwork           = "artwork"
	AttrVolume            = "volume"
	AttrMuted             = "muted"
)

func attrsFromUpdate(u models.Update) map[string]any {
	attrs := map[string]any{}
	if u.State != nil {
		attrs[AttrState] = string(*u.State)
	}
	if u.PositionS != nil {
		attrs[AttrPosition] = *u.PositionS
	}
	if u.UpdatedAt != nil {
		if u.UpdatedAt.IsZero() {
			attrs[AttrPositionUpdatedAt] = ""
		} else {
			attrs[AttrPositionUpdatedAt] = u.UpdatedAt.Format(time.RFC3339)
		}
	}
	if u.DurationS != nil {
		attrs[AttrDuration] = *u.DurationS
	}
	if u.MediaType != nil {
		attrs[AttrMediaType] = string(*u.MediaType)
	}
	if u.Title != nil {
		attrs[AttrTitle] = *u.Title
	}
	if u.Artist != nil {
		attrs[AttrArtist] = *u.Artist
	}
	if u.Album != nil {
		attrs[AttrAlbum] = *u.Album
	}
	if u.Artwork != nil {
		attrs[AttrArtwork] = *u.Artwork
	}
	return attrs
}
