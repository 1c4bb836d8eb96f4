// Package bus implements the typed event fabric joining grace components,
// domains and kernels.
//
// Events carry a per-source, strictly increasing sequence number assigned
// at publish time and live in a bounded in-memory ring. Each subscription
// consumes at its own cursor: per source, per at_least_once subscriber,
// delivery is in sequence order at least once; cross-source ordering is
// not guaranteed.
//
// Backpressure: best_effort subscribers are dropped first under overflow
// (a metric records the loss); once only at_least_once subscribers
// remain, publishers block (Publish) or receive Busy (TryPublish) when
// the slowest cursor lags past the watermark.
//
// Provenance: sources crossing a trust boundary hold ed25519 keys in the
// bus key registry. Their events are signed over a canonical encoding on
// publish and verified before every delivery; events failing verification
// are refused, not delivered.
package bus
