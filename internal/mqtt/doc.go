// Package mqtt is the broker gateway: client adapter #2. It subscribes
// to per-room inbound topics, feeds messages into the agent loop, and
// publishes the agent's replies to the matching outbound topics. A
// retained availability topic with a broker will message flips to
// "offline" on unexpected disconnects.
//
// The gateway uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Subscriptions and the
// "online" birth message are re-established on every (re-)connect.
//
// Topic layout under the configured prefix (default "reeve"):
//
//	<prefix>/availability        retained online/offline
//	<prefix>/rooms/<room>/in     inbound messages (plain text or JSON)
//	<prefix>/rooms/<room>/out    the agent's replies (plain text)
package mqtt
