package bus

// Event types shared across components. Components own the payload shapes;
// the constants live here because the bus is the one surface everyone sees.
const (
	// Session lifecycle, emitted by the session manager.
	TypeSessionStart = "session.start"
	TypeSessionEnd   = "session.end"
	TypeSessionError = "session.error"

	// Arbitrator surface.
	TypeLaneStateChanged = "lane.state_changed"
	TypeLaneOwnerChanged = "lane.owner_changed"
	TypePlayReflex       = "play_reflex"
	TypeStopReflex       = "stop_reflex"
	TypePlayLaneB        = "play_lane_b"
	TypeStopLaneB        = "stop_lane_b"
	TypeResponseComplete = "response_complete"

	// Lane B (provider-derived) surface.
	TypeResponseStart    = "response_start"
	TypeResponseEnd      = "response_end"
	TypeFirstAudioReady  = "first_audio_ready"
	TypeAudioChunk       = "audio.chunk"
	TypeTranscript       = "transcript"
	TypeUserTranscript   = "user_transcript"
	TypeResponseMetadata = "response.metadata"
	TypeError            = "error"

	// Lane C (policy) surface.
	TypePolicyDecision  = "policy.decision"
	TypeControlAudit    = "control.audit"
	TypeControlOverride = "control.override"
	TypeControlMetrics  = "control.metrics"

	// Fallback planner surface.
	TypeFallbackDone = "fallback_done"
)
