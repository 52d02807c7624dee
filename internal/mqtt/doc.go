// Package mqtt is the chat transport. It subscribes to the inbound
// topic for normalized chat events and publishes results, progress
// summaries, and error notices back out, one topic per message class.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the inbound topic and publishes a birth message
// ("online") to the availability topic. A will message ensures the
// availability topic transitions to "offline" on unexpected
// disconnects.
package mqtt
