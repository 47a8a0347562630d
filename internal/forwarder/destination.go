// Package forwarder delivers aggregates and raw sources to configured
// destinations with per-record retry bookkeeping.
package forwarder

import (
	"context"
	"io"

	"github.com/xtxerr/relay/internal/payload"
)

// Destination is an opaque delivery capability. The pipeline is agnostic
// to transport; anything that can accept a byte stream and report
// success or failure qualifies.
//
// Deliver must bound its own latency (timeouts are treated as ordinary
// failures). stream may be invoked at most once and writes the full
// delivery payload.
type Destination interface {
	// URL identifies the destination; it is interned in the catalogue
	// and keys the delivery ledger.
	URL() string

	Deliver(ctx context.Context, feed, typ string, attrs *payload.AttributeMap, stream func(io.Writer) error) error
}
