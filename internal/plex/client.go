package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"plexlink/internal/httputil"
	"plexlink/internal/models"
)

// Client is a thin HTTP client for one Plex Media Server, bound to the
// device config it was created from.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httputil.NewClient(),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }
func (c *Client) Token() string   { return c.token }

// TestConnection checks HTTP reachability of the server.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/identity", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer httputil.DrainBody(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plex returned status %d", resp.StatusCode)
	}
	return nil
}

// Sessions returns all active playback sessions the server reports.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/sessions", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httputil.DrainBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plex returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	return parseSessions(body)
}

// FindSession locates the active session bound to the given physical
// client. Only local players match; remote/relay players are excluded.
// A nil session with nil error is the normal "nothing playing" outcome.
func (c *Client) FindSession(ctx context.Context, clientID string) (*Session, error) {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		for _, p := range sessions[i].Players {
			if p.MachineIdentifier == clientID && p.Local {
				s := sessions[i]
				return &s, nil
			}
		}
	}
	return nil, nil
}

// ArtworkURL picks the artwork source for a session according to the
// device's per-media-type preference.
func (c *Client) ArtworkURL(s *Session, tvSelection, movieSelection string) string {
	if s == nil {
		return ""
	}
	if s.Type == "episode" {
		var path string
		switch tvSelection {
		case models.TVPosterSeason:
			path = s.ParentThumb
		case models.TVPosterEpisode:
			path = s.Thumb
		case models.TVPosterArt:
			path = s.Art
		default: // series poster
			path = s.GrandparentThumb
		}
		if path == "" {
			path = s.GrandparentThumb
		}
		return c.buildURL(path)
	}
	var path string
	switch movieSelection {
	case models.MovieArt:
		path = s.Art
	default:
		path = s.Thumb
	}
	if path == "" {
		path = s.Thumb
	}
	return c.buildURL(path)
}

func (c *Client) buildURL(path string) string {
	if path == "" {
		return ""
	}
	return fmt.Sprintf("%s%s?X-Plex-Token=%s", c.baseURL, path, c.token)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/xml")
}

// Session is one active playback record from /status/sessions.
type Session struct {
	SessionKey       string
	RatingKey        string
	Type             string
	Title            string
	ParentTitle      string
	GrandparentTitle string
	SeasonNumber     int
	EpisodeNumber    int
	DurationMs       int64
	ViewOffsetMs     int64
	Thumb            string
	ParentThumb      string
	GrandparentThumb string
	Art              string
	Players          []Player
}

type Player struct {
	MachineIdentifier string
	Title             string
	Product           string
	Address           string
	Local             bool
}

// SeasonEpisode returns the "S01E02" label for episodic content.
func (s *Session) SeasonEpisode() string {
	if s.Type != "episode" || s.SeasonNumber == 0 && s.EpisodeNumber == 0 {
		return ""
	}
	return fmt.Sprintf("S%02dE%02d", s.SeasonNumber, s.EpisodeNumber)
}

// MediaType returns the normalized media type for this session.
func (s *Session) MediaType() models.MediaType {
	return models.MediaTypeFromPlex(s.Type)
}

type mediaContainer struct {
	XMLName xml.Name   `xml:"MediaContainer"`
	Videos  []plexItem `xml:"Video"`
	Tracks  []plexItem `xml:"Track"`
}

type plexItem struct {
	SessionKey           string       `xml:"sessionKey,attr"`
	RatingKey            string       `xml:"ratingKey,attr"`
	Type                 string       `xml:"type,attr"`
	Title                string       `xml:"title,attr"`
	ParentTitle          string       `xml:"parentTitle,attr"`
	GrandparentTitle     string       `xml:"grandparentTitle,attr"`
	ParentIndex          string       `xml:"parentIndex,attr"`
	Index                string       `xml:"index,attr"`
	Duration             string       `xml:"duration,attr"`
	ViewOffset           string       `xml:"viewOffset,attr"`
	Thumb                string       `xml:"thumb,attr"`
	ParentThumb          string       `xml:"parentThumb,attr"`
	GrandparentThumb     string       `xml:"grandparentThumb,attr"`
	Art                  string       `xml:"art,attr"`
	Players              []plexPlayer `xml:"Player"`
}

type plexPlayer struct {
	MachineIdentifier string `xml:"machineIdentifier,attr"`
	Title             string `xml:"title,attr"`
	Product           string `xml:"product,attr"`
	Address           string `xml:"address,attr"`
	Local             string `xml:"local,attr"`
}

func parseSessions(data []byte) ([]Session, error) {
	var mc mediaContainer
	if err := xml.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("parsing plex XML: %w", err)
	}

	items := make([]plexItem, 0, len(mc.Videos)+len(mc.Tracks))
	items = append(items, mc.Videos...)
	items = append(items, mc.Tracks...)

	sessions := make([]Session, 0, len(items))
	for _, item := range items {
		s := Session{
			SessionKey:       item.SessionKey,
			RatingKey:        item.RatingKey,
			Type:             item.Type,
			Title:            item.Title,
			ParentTitle:      item.ParentTitle,
			GrandparentTitle: item.GrandparentTitle,
			SeasonNumber:     atoi(item.ParentIndex),
			EpisodeNumber:    atoi(item.Index),
			DurationMs:       atoi64(item.Duration),
			ViewOffsetMs:     atoi64(item.ViewOffset),
			Thumb:            item.Thumb,
			ParentThumb:      item.ParentThumb,
			GrandparentThumb: item.GrandparentThumb,
			Art:              item.Art,
		}
		for _, p := range item.Players {
			s.Players = append(s.Players, Player{
				MachineIdentifier: p.MachineIdentifier,
				Title:             p.Title,
				Product:           p.Product,
				Address:           p.Address,
				Local:             p.Local == "1" || strings.EqualFold(p.Local, "true"),
			})
		}
		sessions = append(sessions, s)
	}
	if len(sessions) > 0 {
		slog.Debug("plex: parsed sessions", "count", len(sessions))
	}
	return sessions, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
