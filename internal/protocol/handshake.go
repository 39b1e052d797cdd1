package protocol

// HAICapabilities advertises optional producer capabilities in a HAI
// handshake payload.
type HAICapabilities struct {
	BinaryFrames  bool        `json:"binary_frames,omitempty"`
	FlowControl   *FlowLimits `json:"flow_control,omitempty"`
	MaxConcurrent int         `json:"max_concurrent_runs,omitempty"`
	SignedEnv     bool        `json:"signed_envelopes,omitempty"`
}

// FlowLimits carries initial per-channel credit grants.
type FlowLimits struct {
	InitialCreditMessages int `json:"initial_credit_messages,omitempty"`
	InitialCreditBytes    int `json:"initial_credit_bytes,omitempty"`
}

// HAIPayload is the payload shape for a HAI handshake envelope.
type HAIPayload struct {
	HaipVersion   string          `json:"haip_version"`
	AcceptMajor   []int           `json:"accept_major"`
	AcceptEvents  []string        `json:"accept_events"`
	Capabilities  *HAICapabilities `json:"capabilities,omitempty"`
	LastRxSeq     string          `json:"last_rx_seq,omitempty"`
	Auth          map[string]any  `json:"auth,omitempty"`
}

// TransactionStartPayload is the payload for TRANSACTION_START.
type TransactionStartPayload struct {
	ToolName    string         `json:"tool_name,omitempty"`
	ToolParams  map[string]any `json:"tool_params,omitempty"`
	ReferenceID string         `json:"referenceId,omitempty"`
}

// ReplayRequestPayload is the payload for REPLAY_REQUEST.
type ReplayRequestPayload struct {
	FromSeq string `json:"from_seq"`
	ToSeq   string `json:"to_seq,omitempty"`
}

// FlowUpdatePayload is the payload for FLOW_UPDATE.
type FlowUpdatePayload struct {
	Channel     Channel `json:"channel"`
	AddMessages int     `json:"add_messages,omitempty"`
	AddBytes    int64   `json:"add_bytes,omitempty"`
}

// PauseResumePayload is the payload for PAUSE_CHANNEL/RESUME_CHANNEL.
type PauseResumePayload struct {
	Channel Channel `json:"channel"`
}

// PingPongPayload is the payload for PING/PONG.
type PingPongPayload struct {
	Nonce string `json:"nonce"`
}

// RunEventPayload covers RUN_STARTED/RUN_FINISHED/RUN_CANCEL/RUN_ERROR.
type RunEventPayload struct {
	RunID   string `json:"run_id"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AudioChunkPayload is the AUDIO_CHUNK payload on text-only transports,
// where bin_len is omitted and the frame's bytes travel base64-encoded
// inline instead of as a following physical binary frame.
type AudioChunkPayload struct {
	Data string `json:"data,omitempty"`
}

// ToolSchemaPayload requests/returns a tool's schema.
type ToolSchemaPayload struct {
	ToolName     string `json:"tool_name"`
	InputSchema  any    `json:"input_schema,omitempty"`
	OutputSchema any    `json:"output_schema,omitempty"`
}

// ToolListEntry describes one registered tool in a TOOL_LIST response.
type ToolListEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolListPayload is the payload for a TOOL_LIST response.
type ToolListPayload struct {
	Tools []ToolListEntry `json:"tools"`
}
