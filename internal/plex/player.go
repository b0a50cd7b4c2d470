package plex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"plexlink/internal/httputil"
)

// PlayerClient issues remote-control commands to a physical client,
// proxied through the media server. Commands are best-effort: the
// server acknowledges them without confirming the player acted.
type PlayerClient struct {
	baseURL   string
	token     string
	targetID  string
	http      *http.Client
	commandID atomic.Int64
}

func NewPlayerClient(c *Client, targetID string) *PlayerClient {
	return &PlayerClient{
		baseURL:  c.baseURL,
		token:    c.token,
		targetID: targetID,
		http:     c.http,
	}
}

func (p *PlayerClient) Play(ctx context.Context) error  { return p.send(ctx, "/player/playback/play", nil) }
func (p *PlayerClient) Pause(ctx context.Context) error { return p.send(ctx, "/player/playback/pause", nil) }
func (p *PlayerClient) Stop(ctx context.Context) error  { return p.send(ctx, "/player/playback/stop", nil) }

func (p *PlayerClient) SeekTo(ctx context.Context, offsetMs int64) error {
	return p.send(ctx, "/player/playback/seekTo", url.Values{"offset": {strconv.FormatInt(offsetMs, 10)}})
}

func (p *PlayerClient) StepForward(ctx context.Context) error {
	return p.send(ctx, "/player/playback/stepForward", nil)
}

func (p *PlayerClient) StepBack(ctx context.Context) error {
	return p.send(ctx, "/player/playback/stepBack", nil)
}

func (p *PlayerClient) SkipNext(ctx context.Context) error {
	return p.send(ctx, "/player/playback/skipNext", nil)
}

func (p *PlayerClient) SkipPrevious(ctx context.Context) error {
	return p.send(ctx, "/player/playback/skipPrevious", nil)
}

// SetVolume expects a 0-100 level.
func (p *PlayerClient) SetVolume(ctx context.Context, level int) error {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return p.send(ctx, "/player/playback/setParameters", url.Values{"volume": {strconv.Itoa(level)}})
}

func (p *PlayerClient) MoveUp(ctx context.Context) error    { return p.send(ctx, "/player/navigation/moveUp", nil) }
func (p *PlayerClient) MoveDown(ctx context.Context) error  { return p.send(ctx, "/player/navigation/moveDown", nil) }
func (p *PlayerClient) MoveLeft(ctx context.Context) error  { return p.send(ctx, "/player/navigation/moveLeft", nil) }
func (p *PlayerClient) MoveRight(ctx context.Context) error { return p.send(ctx, "/player/navigation/moveRight", nil) }
func (p *PlayerClient) Select(ctx context.Context) error    { return p.send(ctx, "/player/navigation/select", nil) }
func (p *PlayerClient) GoHome(ctx context.Context) error    { return p.send(ctx, "/player/navigation/home", nil) }
func (p *PlayerClient) GoBack(ctx context.Context) error    { return p.send(ctx, "/player/navigation/back", nil) }

func (p *PlayerClient) ContextMenu(ctx context.Context) error {
	return p.send(ctx, "/player/navigation/contextMenu", nil)
}

func (p *PlayerClient) send(ctx context.Context, path string, params url.Values) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("commandID", strconv.FormatInt(p.commandID.Add(1), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Plex-Token", p.token)
	req.Header.Set("X-Plex-Target-Client-Identifier", p.targetID)

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer httputil.DrainBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("player command %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
