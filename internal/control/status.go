package control

import (
	overlayrelay "github.com/e7canasta/overlay-relay"
)

// Status is the wire form of overlayrelay.Stats.
type Status struct {
	SessionID         string  `json:"session_id" msgpack:"session_id"`
	State             string  `json:"state" msgpack:"state"`
	Resolution        string  `json:"resolution" msgpack:"resolution"`
	CaptureBuffers    int     `json:"capture_buffers" msgpack:"capture_buffers"`
	OutputBuffers     int     `json:"output_buffers" msgpack:"output_buffers"`
	FramesRelayed     uint64  `json:"frames_relayed" msgpack:"frames_relayed"`
	BytesRelayed      uint64  `json:"bytes_relayed" msgpack:"bytes_relayed"`
	WouldBlocks       uint64  `json:"would_blocks" msgpack:"would_blocks"`
	PollTimeouts      uint64  `json:"poll_timeouts" msgpack:"poll_timeouts"`
	StallRetries      uint64  `json:"stall_retries" msgpack:"stall_retries"`
	SizeMismatches    uint64  `json:"size_mismatches" msgpack:"size_mismatches"`
	EventsDropped     uint64  `json:"events_dropped" msgpack:"events_dropped"`
	FPS               float64 `json:"fps" msgpack:"fps"`
	FPSStdDev         float64 `json:"fps_stddev" msgpack:"fps_stddev"`
	JitterMS          float64 `json:"jitter_ms" msgpack:"jitter_ms"`
	IsStable          bool    `json:"is_stable" msgpack:"is_stable"`
	LatencyMS         int64   `json:"latency_ms" msgpack:"latency_ms"`
	UptimeSeconds     int64   `json:"uptime_seconds" msgpack:"uptime_seconds"`
	LastError         string  `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	LastErrorCategory string  `json:"last_error_category,omitempty" msgpack:"last_error_category,omitempty"`
}

// StatusFromStats converts controller statistics for publication.
func StatusFromStats(s overlayrelay.Stats) Status {
	return Status{
		SessionID:         s.SessionID,
		State:             s.State.String(),
		Resolution:        s.Resolution,
		CaptureBuffers:    s.CaptureBuffers,
		OutputBuffers:     s.OutputBuffers,
		FramesRelayed:     s.FramesRelayed,
		BytesRelayed:      s.BytesRelayed,
		WouldBlocks:       s.WouldBlocks,
		PollTimeouts:      s.PollTimeouts,
		StallRetries:      s.StallRetries,
		SizeMismatches:    s.SizeMismatches,
		EventsDropped:     s.EventsDropped,
		FPS:               s.FPS,
		FPSStdDev:         s.FPSStdDev,
		JitterMS:          s.JitterMS,
		IsStable:          s.IsStable,
		LatencyMS:         s.LatencyMS,
		UptimeSeconds:     int64(s.Uptime.Seconds()),
		LastError:         s.LastError,
		LastErrorCategory: s.LastErrorCategory,
	}
}
