package models

import "testing"

func TestDeriveStatePrecedence(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		playState  PlaybackState
		hasSession bool
		want       PlaybackState
	}{
		{"paused wins over everything", false, PlaybackPaused, false, PlaybackPaused},
		{"playing wins while disconnected", false, PlaybackPlaying, false, PlaybackPlaying},
		{"buffering reported", true, PlaybackBuffering, true, PlaybackBuffering},
		{"seeking reported", true, PlaybackSeeking, true, PlaybackSeeking},
		{"stopped maps to off", true, PlaybackStopped, true, PlaybackOff},
		{"explicit off", true, PlaybackOff, true, PlaybackOff},
		{"connection down beats idle", false, PlaybackUnknown, false, PlaybackOff},
		{"connected without session is idle", true, PlaybackUnknown, false, PlaybackIdle},
		{"connected with session is on", true, PlaybackUnknown, true, PlaybackOn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveState(tt.connected, tt.playState, tt.hasSession); got != tt.want {
				t.Errorf("DeriveState(%v, %q, %v) = %q, want %q",
					tt.connected, tt.playState, tt.hasSession, got, tt.want)
			}
		})
	}
}

func TestResetUpdateClearsEverything(t *testing.T) {
	u := ResetUpdate()
	if u.Empty() {
		t.Fatal("reset update should carry fields")
	}
	if *u.State != PlaybackOff {
		t.Errorf("state = %q, want off", *u.State)
	}
	if *u.PositionS != 0 || *u.DurationS != 0 {
		t.Errorf("timeline not zeroed: pos=%v dur=%v", *u.PositionS, *u.DurationS)
	}
	if *u.Title != "" || *u.Artist != "" || *u.Album != "" || *u.Artwork != "" {
		t.Error("text/artwork fields not cleared")
	}
	if *u.MediaType != MediaTypeNone {
		t.Errorf("media type = %q, want empty", *u.MediaType)
	}
}

func TestDeviceConfigValidate(t *testing.T) {
	valid := DeviceConfig{
		Identifier: "abc123",
		Name:       "Living Room",
		Address:    "http://10.0.0.5",
		Port:       32400,
		AuthToken:  "tok",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	noAuth := valid
	noAuth.AuthToken = ""
	if err := noAuth.Validate(); err == nil {
		t.Error("config without credentials accepted")
	}

	withLogin := noAuth
	withLogin.Username = "user"
	withLogin.Password = "pass"
	if err := withLogin.Validate(); err != nil {
		t.Errorf("username/password config rejected: %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	d := DeviceConfig{Address: "http://10.0.0.5", Port: 32400}
	if got := d.BaseURL(); got != "http://10.0.0.5:32400" {
		t.Errorf("BaseURL() = %q", got)
	}
	d.Port = 0
	if got := d.BaseURL(); got != "http://10.0.0.5" {
		t.Errorf("BaseURL() without port = %q", got)
	}
}

func TestMediaTypeFromPlex(t *testing.T) {
	cases := map[string]MediaType{
		"movie":   MediaTypeMovie,
		"episode": MediaTypeTV,
		"track":   MediaTypeMusic,
		"clip":    MediaTypeVideo,
		"":        MediaTypeNone,
		"garbage": MediaTypeNone,
	}
	for in, want := range cases {
		if got := MediaTypeFromPlex(in); got != want {
			t.Errorf("MediaTypeFromPlex(%q) = %q, want %q", in, got, want)
		}
	}
}
