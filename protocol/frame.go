package protocol

import (
	"bytes"
	"errors"
)

var (
	ErrFrameTooLong = errors.New("protocol: frame exceeds 64 bytes")
	ErrOutputFull   = errors.New("protocol: output buffer full")
)

// Frame is one validated frame with its sequence number and payload
type Frame struct {
	Seq     uint8
	Payload []byte
}

// Encoder numbers outgoing frames.
type Encoder struct {
	seq uint8
}

// EncodeFrame writes one frame whose payload is produced by frameData.
// Nothing is written if the frame would exceed MessageLengthMax.
func (e *Encoder) EncodeFrame(output OutputBuffer, frameData func(output OutputBuffer)) error {
	cursor := output.CurPosition()

	seq := MessageDest | (e.seq & MessageSeqMask)
	output.Output([]byte{0, seq})

	frameData(output)

	length := len(output.DataSince(cursor)) + MessageTrailerSize
	if length > MessageLengthMax {
		output.Truncate(cursor)
		return ErrFrameTooLong
	}
	output.Update(cursor, uint8(length))

	crc := CRC16(output.DataSince(cursor))
	output.Output([]byte{
		uint8(crc >> 8),
		uint8(crc & 0xFF),
		MessageValueSync,
	})
	if len(output.DataSince(cursor)) != length {
		output.Truncate(cursor)
		return ErrOutputFull
	}

	e.seq = (e.seq + 1) & MessageSeqMask
	return nil
}

// EncodeMessages writes msgs into a single frame.
func (e *Encoder) EncodeMessages(output OutputBuffer, msgs ...Message) error {
	return e.EncodeFrame(output, func(output OutputBuffer) {
		for _, m := range msgs {
			EncodeMessage(output, m)
		}
	})
}

// AppendFrame is EncodeMessages into a fresh slice.
func (e *Encoder) AppendFrame(dst []byte, msgs ...Message) ([]byte, error) {
	output := NewScratchOutput()
	if err := e.EncodeMessages(output, msgs...); err != nil {
		return dst, err
	}
	return append(dst, output.Result()...), nil
}

// DecoderStats counts what the decoder saw on the wire
type DecoderStats struct {
	Frames    uint32
	CRCErrors uint32
	Resyncs   uint32
	Dropped   uint32
}

// Decoder extracts frames from a byte stream. After a bad length, a bad
// sequence byte, a missing sync byte or a CRC mismatch it discards input
// up to the next sync byte.
type Decoder struct {
	buf    []byte
	synced bool
	stats  DecoderStats
}

func NewDecoder() *Decoder {
	return &Decoder{synced: true}
}

// Write buffers stream bytes. It never fails; if more than a few frames
// are pending the oldest bytes are discarded.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	if over := len(d.buf) - MessageMax; over > 0 {
		d.stats.Dropped += uint32(over)
		d.buf = append(d.buf[:0], d.buf[over:]...)
		d.synced = false
	}
	return len(p), nil
}

// Next returns the next complete frame, or false if more input is needed.
// The payload is a copy and stays valid after later writes.
func (d *Decoder) Next() (Frame, bool) {
	for len(d.buf) > 0 {
		if !d.synced {
			i := bytes.IndexByte(d.buf, MessageValueSync)
			if i < 0 {
				d.buf = d.buf[:0]
				break
			}
			d.buf = d.buf[i+1:]
			d.synced = true
			d.stats.Resyncs++
			continue
		}

		if d.buf[0] == MessageValueSync {
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < MessageLengthMin {
			break
		}

		msgLen := int(d.buf[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			d.synced = false
			continue
		}
		seq := d.buf[MessagePositionSeq]
		if seq&^MessageSeqMask != MessageDest {
			d.synced = false
			continue
		}
		if len(d.buf) < msgLen {
			break
		}
		if d.buf[msgLen-MessageTrailerSync] != MessageValueSync {
			d.synced = false
			continue
		}

		frameCRC := uint16(d.buf[msgLen-MessageTrailerCRC])<<8 |
			uint16(d.buf[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(d.buf[:msgLen-MessageTrailerSize]) {
			d.stats.CRCErrors++
			d.synced = false
			continue
		}

		payload := append([]byte(nil), d.buf[MessageHeaderSize:msgLen-MessageTrailerSize]...)
		d.buf = d.buf[msgLen:]
		d.stats.Frames++
		return Frame{Seq: seq & MessageSeqMask, Payload: payload}, true
	}
	return Frame{}, false
}

// Pending returns the number of buffered bytes not yet consumed
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Reset drops buffered input and statistics
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.synced = true
	d.stats = DecoderStats{}
}
