package protocol

import (
	"errors"
	"math"
)

var (
	ErrInvalidVLQ     = errors.New("protocol: invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("protocol: buffer too small for VLQ")
)

// EncodeVLQInt writes v as a Klipper variable length quantity, most
// significant group first.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var buf [5]byte
	n := 0
	if !(-(1<<26) <= v && v < (3<<26)) {
		buf[n] = byte((v>>28)&0x7F) | 0x80
		n++
	}
	if !(-(1<<19) <= v && v < (3<<19)) {
		buf[n] = byte((v>>21)&0x7F) | 0x80
		n++
	}
	if !(-(1<<12) <= v && v < (3<<12)) {
		buf[n] = byte((v>>14)&0x7F) | 0x80
		n++
	}
	if !(-(1<<5) <= v && v < (3<<5)) {
		buf[n] = byte((v>>7)&0x7F) | 0x80
		n++
	}
	buf[n] = byte(v & 0x7F)
	output.Output(buf[:n+1])
}

func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// EncodeVLQInt64 writes the low word first so small counts stay short.
func EncodeVLQInt64(output OutputBuffer, v int64) {
	EncodeVLQUint(output, uint32(v))
	EncodeVLQInt(output, int32(v>>32))
}

// EncodeFloat32 writes the IEEE 754 bits of f.
func EncodeFloat32(output OutputBuffer, f float32) {
	EncodeVLQUint(output, math.Float32bits(f))
}

// DecodeVLQInt reads one quantity and advances data past it.
func DecodeVLQInt(data *[]byte) (int32, error) {
	if len(*data) == 0 {
		return 0, ErrBufferTooSmall
	}

	c := uint32((*data)[0])
	*data = (*data)[1:]

	v := c & 0x7F
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}

	for i := 0; c&0x80 != 0; i++ {
		if i == 4 {
			return 0, ErrInvalidVLQ
		}
		if len(*data) == 0 {
			return 0, ErrBufferTooSmall
		}
		c = uint32((*data)[0])
		*data = (*data)[1:]
		v = (v << 7) | (c & 0x7F)
	}

	return int32(v), nil
}

func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

func DecodeVLQInt64(data *[]byte) (int64, error) {
	lo, err := DecodeVLQUint(data)
	if err != nil {
		return 0, err
	}
	hi, err := DecodeVLQInt(data)
	if err != nil {
		return 0, err
	}
	return int64(hi)<<32 | int64(lo), nil
}

func DecodeFloat32(data *[]byte) (float32, error) {
	bits, err := DecodeVLQUint(data)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// EncodeVLQBytes writes a length prefix followed by data.
func EncodeVLQBytes(output OutputBuffer, data []byte) {
	EncodeVLQUint(output, uint32(len(data)))
	output.Output(data)
}

// DecodeVLQBytes returns a sub-slice of data; copy it to keep it.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	length, err := DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	if uint32(len(*data)) < length {
		return nil, ErrBufferTooSmall
	}
	result := (*data)[:length]
	*data = (*data)[length:]
	return result, nil
}

func EncodeVLQString(output OutputBuffer, s string) {
	EncodeVLQUint(output, uint32(len(s)))
	output.Output([]byte(s))
}

func DecodeVLQString(data *[]byte) (string, error) {
	b, err := DecodeVLQBytes(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
