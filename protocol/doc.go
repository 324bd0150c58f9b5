// Package protocol defines the wire formats shared by the host and the
// sandboxed guest.
//
// # Frame channel
//
// Capability calls travel over a duplex byte stream (fd 3 in the guest) as
// length-prefixed frames. Every frame starts with a 12-byte little-endian
// header:
//
//	offset 0  magic        uint32  always [Magic]
//	offset 4  callback_id  uint32  0 = synchronous, >0 = deferred call
//	offset 8  length       uint32  payload size in bytes
//
// followed by length bytes of UTF-8 JSON. The guest sends [Message] values of
// type "api" or "request_async_response"; the host answers with [Reply]
// envelopes of type "callback".
//
// [Encode] and [DecodeHeader] handle single headers, [Parser] reassembles
// frames from an arbitrarily chunked stream, and [ReadFrame]/[WriteFrame] are
// the blocking helpers used by the guest.
//
// # Process IPC
//
// Lifecycle events (ready, message, stdout, result) use a second channel
// (fd 4) carrying a CBOR stream of [Event] values. See [NewEventEncoder] and
// [NewEventDecoder].
package protocol
