package transports

import (
	"context"

	"github.com/kestrelvoice/kestrel/pkg/frames"
)

// Transport is the duplex boundary between the call engine and the
// telephony vendor. Inbound frames (caller audio, DTMF, call lifecycle)
// arrive on Recv; outbound audio and the barge-in clear instruction go
// through Send. Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// DTMFSender allows transports to send DTMF digits during an active call.
type DTMFSender interface {
	SendDTMF(ctx context.Context, callSID, digits string) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter exposes readiness metadata (e.g. webhook URLs) for
// informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
