// Package protocol implements the framed telemetry link between the encoder
// firmware and the host.
//
// A frame is len | seq | payload | crc16 | 0x7E, the framing Klipper uses.
// The payload is a sequence of messages, each a VLQ message id followed by
// VLQ encoded fields.
package protocol

// Version is the telemetry protocol version reported by the host tool
const Version = "0.1.0"

// Frame layout
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10

	MessageSeqMask = 0x0F
)

// MessageMax is the scratch buffer size; a few frames fit in one write
const MessageMax = 4 * MessageLengthMax
