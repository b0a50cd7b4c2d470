package plex

import (
	"encoding/json"
	"log/slog"
	"time"

	"plexlink/internal/models"
)

// Push-notification frame shape. The contract is externally defined;
// unknown or missing fields must never crash the decoder.
type pushFrame struct {
	Kind    string            `json:"kind"`
	Type    string            `json:"type"`
	Clients []clientPlayState `json:"clients"`
}

type clientPlayState struct {
	ClientIdentifier string `json:"clientIdentifier"`
	SessionKey       string `json:"sessionKey"`
	Key              string `json:"key"`
	State            string `json:"state"`
	ViewOffset       int64  `json:"viewOffset"`
}

// Decoder converts inbound push frames into sparse partial updates for
// one device. It never produces a full state replacement except for the
// canonical "stopped" reset.
type Decoder struct {
	clientID string
}

func NewDecoder(clientID string) *Decoder {
	return &Decoder{clientID: clientID}
}

// Decode parses one frame. The second return is false when the frame is
// irrelevant to this device (wrong kind/type, no matching client entry,
// malformed JSON). Best-effort frames are frequent, so this is not an
// error.
func (d *Decoder) Decode(data []byte) (models.Update, bool) {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Debug("push decode: malformed frame", "error", err)
		return models.Update{}, false
	}

	if frame.Kind != "playing" && frame.Kind != "progress" {
		return models.Update{}, false
	}
	if frame.Type != "playing" && frame.Type != "paused" {
		return models.Update{}, false
	}

	var entry *clientPlayState
	for i := range frame.Clients {
		if frame.Clients[i].ClientIdentifier == d.clientID {
			entry = &frame.Clients[i]
			break
		}
	}
	if entry == nil {
		return models.Update{}, false
	}

	if entry.State == "stopped" {
		return models.ResetUpdate(), true
	}

	state := stateFromPush(entry.State)
	position := float64(entry.ViewOffset) / 1000.0
	now := time.Now().UTC()
	return models.Update{
		State:       &state,
		PositionS:   &position,
		UpdatedAt:   &now,
		NeedsDetail: true,
		SessionKey:  entry.Key,
	}, true
}

func stateFromPush(s string) models.PlaybackState {
	switch s {
	case "playing":
		return models.PlaybackPlaying
	case "paused":
		return models.PlaybackPaused
	case "buffering":
		return models.PlaybackBuffering
	case "seeking":
		return models.PlaybackSeeking
	default:
		return models.PlaybackUnknown
	}
}
