package nbio

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// Each [*Stream] receives a span ID at construction, which it attaches to
// its log events as streamID. You can also use span IDs to correlate the
// events of a [*Connector] attempt with other application events.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
