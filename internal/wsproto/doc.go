// Package wsproto implements the wire-level parts of the signaling
// protocol: an incremental RFC 6455 frame receiver for masked
// client-to-server frames ([FrameReceiver]), the 4-byte signal envelope
// codec ([EncodeSignal], [DecodeSignal]), and the canonical close-code
// reason builders ([AuthorizationError] and friends).
//
// It deliberately does not implement a WebSocket client, extensions, or
// server-to-client masking: this server never masks what it sends, and
// only binary frames carry application signals (see [FrameReceiver]).
package wsproto
