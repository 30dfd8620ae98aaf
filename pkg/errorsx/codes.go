package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTTimeout ReasonCode = "stt_timeout"

	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"

	ReasonAgentAnswer ReasonCode = "agent_answer"
	ReasonAgentStream ReasonCode = "agent_stream"

	ReasonVADSample ReasonCode = "vad_sample"

	ReasonTransportSend         ReasonCode = "transport_send"
	ReasonTransportBadParams    ReasonCode = "transport_bad_params"
	ReasonTransportUnauthorized ReasonCode = "transport_unauthorized"
	ReasonTransportInvalidFrame ReasonCode = "transport_invalid_frame"
)
