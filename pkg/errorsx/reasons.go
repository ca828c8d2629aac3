package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Codec
	ReasonMalformedFrame ReasonCode = "malformed_frame"

	// Providers
	ReasonSTTTimeout   ReasonCode = "stt_timeout"
	ReasonSTTProvider  ReasonCode = "stt_provider"
	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"
	ReasonLLMTimeout   ReasonCode = "llm_timeout"
	ReasonLLMProvider  ReasonCode = "llm_provider"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"
	ReasonTTSTimeout   ReasonCode = "tts_timeout"
	ReasonTTSProvider  ReasonCode = "tts_provider"
	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	// Call lifecycle
	ReasonTransportClosed  ReasonCode = "transport_closed"
	ReasonTransportSend    ReasonCode = "transport_send"
	ReasonCapacityExceeded ReasonCode = "capacity_exceeded"

	ReasonWebhookInvalidSignature ReasonCode = "webhook_invalid_signature"
)
