package models

import (
	"strings"
	"time"
)

// SessionStatus tracks where a broadcast session sits in its lifecycle.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusLive    SessionStatus = "live"
	StatusEnded   SessionStatus = "ended"
	StatusError   SessionStatus = "error"
)

// Terminal reports whether no further transitions may leave the status.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// IngestStrategy selects how audio/video enters the system for a session.
// It is fixed at creation because issued credentials are strategy specific.
type IngestStrategy string

const (
	IngestBrowser   IngestStrategy = "browser"
	IngestRTMP      IngestStrategy = "rtmp"
	IngestAudio     IngestStrategy = "audio"
	IngestSimulcast IngestStrategy = "platform-simulcast"
)

// ParseIngestStrategy validates a client-supplied strategy value.
func ParseIngestStrategy(value string) (IngestStrategy, bool) {
	switch IngestStrategy(strings.ToLower(strings.TrimSpace(value))) {
	case IngestBrowser:
		return IngestBrowser, true
	case IngestRTMP:
		return IngestRTMP, true
	case IngestAudio:
		return IngestAudio, true
	case IngestSimulcast:
		return IngestSimulcast, true
	default:
		return "", false
	}
}

// SelfHosted reports whether the strategy is served by our own media
// infrastructure rather than the external platform.
func (s IngestStrategy) SelfHosted() bool {
	return s == IngestBrowser || s == IngestRTMP || s == IngestAudio
}

// SelfHostedIngest carries the resources issued for browser, audio, and RTMP
// sessions. RoomID and JoinToken are set for the real-time strategies,
// StreamKey and IngestURL for RTMP.
type SelfHostedIngest struct {
	RoomID    string `json:"roomId,omitempty"`
	JoinToken string `json:"joinToken,omitempty"`
	StreamKey string `json:"streamKey,omitempty"`
	IngestURL string `json:"ingestUrl,omitempty"`
}

// PlatformSettings are the creation-time lifecycle flags passed through to the
// external platform. The platform is the source of truth for them afterwards.
type PlatformSettings struct {
	Privacy     string `json:"privacy,omitempty"`
	EnableDVR   bool   `json:"enableDvr"`
	EnableEmbed bool   `json:"enableEmbed"`
	AutoStart   bool   `json:"autoStart"`
	AutoStop    bool   `json:"autoStop"`
}

// PlatformBroadcast records the identifiers and ingest details assigned by the
// external platform for a simulcast session.
type PlatformBroadcast struct {
	BroadcastID string           `json:"broadcastId"`
	StreamID    string           `json:"streamId"`
	VideoID     string           `json:"videoId,omitempty"`
	LiveChatID  string           `json:"liveChatId,omitempty"`
	StreamURL   string           `json:"streamUrl,omitempty"`
	StreamKey   string           `json:"streamKey,omitempty"`
	Settings    PlatformSettings `json:"settings"`
}

// Session is the central broadcast entity, from creation to termination.
// Strategy-specific fields are populated atomically with the transition into
// pending; StartedAt and EndedAt are owned by the lifecycle state machine.
type Session struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Strategy    IngestStrategy `json:"ingestStrategy"`
	Status      SessionStatus  `json:"status"`
	Public      bool           `json:"public"`
	ScheduledAt *time.Time     `json:"scheduledAt,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
	ErrorReason string         `json:"errorReason,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`

	SelfHosted *SelfHostedIngest  `json:"selfHosted,omitempty"`
	Platform   *PlatformBroadcast `json:"platform,omitempty"`

	// Revision guards concurrent writers via compare-and-swap updates.
	Revision int64 `json:"revision"`
}

// AutoStartEligible reports whether the scheduler may promote the session at
// its scheduled time without an explicit start call. Self-hosted sessions are
// promoted whenever a schedule exists; simulcast sessions only when the
// platform was asked to auto-start so internal state mirrors it.
func (s Session) AutoStartEligible() bool {
	if s.ScheduledAt == nil {
		return false
	}
	if s.Strategy == IngestSimulcast {
		return s.Platform != nil && s.Platform.Settings.AutoStart
	}
	return true
}
