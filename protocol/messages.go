package protocol

import "errors"

// Message ids. Commands flow host to MCU, responses MCU to host.
const (
	MsgIdentify      uint8 = 1
	MsgQueryEncoders uint8 = 2
	MsgResetEncoder  uint8 = 3
	MsgStopEncoder   uint8 = 4

	MsgEncoderInfo  uint8 = 16
	MsgEncoderState uint8 = 17
	MsgCounterEvent uint8 = 18
)

var ErrUnknownMessage = errors.New("protocol: unknown message id")

// MessageName returns the wire name of a message id
func MessageName(id uint8) string {
	switch id {
	case MsgIdentify:
		return "identify"
	case MsgQueryEncoders:
		return "query_encoders"
	case MsgResetEncoder:
		return "reset_encoder"
	case MsgStopEncoder:
		return "stop_encoder"
	case MsgEncoderInfo:
		return "encoder_info"
	case MsgEncoderState:
		return "encoder_state"
	case MsgCounterEvent:
		return "counter_event"
	}
	return "unknown"
}

// Message is a payload entry. Encode writes the fields only; use
// EncodeMessage to prefix the id.
type Message interface {
	ID() uint8
	Encode(output OutputBuffer)
}

func EncodeMessage(output OutputBuffer, m Message) {
	EncodeVLQUint(output, uint32(m.ID()))
	m.Encode(output)
}

// Identify asks the MCU to describe its encoders
type Identify struct{}

func (Identify) ID() uint8 { return MsgIdentify }

func (Identify) Encode(output OutputBuffer) {}

// QueryEncoders sets the state report interval; zero stops reporting.
type QueryEncoders struct {
	IntervalUS uint32
}

func (QueryEncoders) ID() uint8 { return MsgQueryEncoders }

func (m QueryEncoders) Encode(output OutputBuffer) {
	EncodeVLQUint(output, m.IntervalUS)
}

func DecodeQueryEncoders(data *[]byte) (QueryEncoders, error) {
	v, err := DecodeVLQUint(data)
	return QueryEncoders{IntervalUS: v}, err
}

// ResetEncoder clears the pulse counter of one encoder
type ResetEncoder struct {
	OID uint8
}

func (ResetEncoder) ID() uint8 { return MsgResetEncoder }

func (m ResetEncoder) Encode(output OutputBuffer) {
	EncodeVLQUint(output, uint32(m.OID))
}

func DecodeResetEncoder(data *[]byte) (ResetEncoder, error) {
	oid, err := DecodeVLQUint(data)
	return ResetEncoder{OID: uint8(oid)}, err
}

// StopEncoder halts sampling of one encoder
type StopEncoder struct {
	OID uint8
}

func (StopEncoder) ID() uint8 { return MsgStopEncoder }

func (m StopEncoder) Encode(output OutputBuffer) {
	EncodeVLQUint(output, uint32(m.OID))
}

func DecodeStopEncoder(data *[]byte) (StopEncoder, error) {
	oid, err := DecodeVLQUint(data)
	return StopEncoder{OID: uint8(oid)}, err
}

// EncoderInfo describes one configured encoder
type EncoderInfo struct {
	OID     uint8
	PPR     uint32
	PinA    uint8
	PinB    uint8
	Backend string
}

func (EncoderInfo) ID() uint8 { return MsgEncoderInfo }

func (m EncoderInfo) Encode(output OutputBuffer) {
	EncodeVLQUint(output, uint32(m.OID))
	EncodeVLQUint(output, m.PPR)
	EncodeVLQUint(output, uint32(m.PinA))
	EncodeVLQUint(output, uint32(m.PinB))
	EncodeVLQString(output, m.Backend)
}

func DecodeEncoderInfo(data *[]byte) (EncoderInfo, error) {
	var m EncoderInfo
	var v uint32
	var err error
	if v, err = DecodeVLQUint(data); err != nil {
		return m, err
	}
	m.OID = uint8(v)
	if m.PPR, err = DecodeVLQUint(data); err != nil {
		return m, err
	}
	if v, err = DecodeVLQUint(data); err != nil {
		return m, err
	}
	m.PinA = uint8(v)
	if v, err = DecodeVLQUint(data); err != nil {
		return m, err
	}
	m.PinB = uint8(v)
	m.Backend, err = DecodeVLQString(data)
	return m, err
}

// EncoderState is one telemetry sample
type EncoderState struct {
	OID       uint8
	Clock     uint32
	Count     int64
	Rotations int64
	Angle     float32
	Velocity  float32
	Fallbacks uint32
}

func (EncoderState) ID() uint8 { return MsgEncoderState }

func (m EncoderState) Encode(output OutputBuffer) {
	EncodeVLQUint(output, uint32(m.OID))
	EncodeVLQUint(output, m.Clock)
	EncodeVLQInt64(output, m.Count)
	EncodeVLQInt64(output, m.Rotations)
	EncodeFloat32(output, m.Angle)
	EncodeFloat32(output, m.Velocity)
	EncodeVLQUint(output, m.Fallbacks)
}

func DecodeEncoderState(data *[]byte) (EncoderState, error) {
	var m EncoderState
	oid, err := DecodeVLQUint(data)
	if err != nil {
		return m, err
	}
	m.OID = uint8(oid)
	if m.Clock, err = DecodeVLQUint(data); err != nil {
		return m, err
	}
	if m.Count, err = DecodeVLQInt64(data); err != nil {
		return m, err
	}
	if m.Rotations, err = DecodeVLQInt64(data); err != nil {
		return m, err
	}
	if m.Angle, err = DecodeFloat32(data); err != nil {
		return m, err
	}
	if m.Velocity, err = DecodeFloat32(data); err != nil {
		return m, err
	}
	m.Fallbacks, err = DecodeVLQUint(data)
	return m, err
}

// CounterEvent reports a pulse counter limit crossing
type CounterEvent struct {
	OID   uint8
	Event uint8
}

func (CounterEvent) ID() uint8 { return MsgCounterEvent }

func (m CounterEvent) Encode(output OutputBuffer) {
	EncodeVLQUint(output, uint32(m.OID))
	EncodeVLQUint(output, uint32(m.Event))
}

func DecodeCounterEvent(data *[]byte) (CounterEvent, error) {
	var m CounterEvent
	oid, err := DecodeVLQUint(data)
	if err != nil {
		return m, err
	}
	ev, err := DecodeVLQUint(data)
	return CounterEvent{OID: uint8(oid), Event: uint8(ev)}, err
}

// DecodeMessage reads one message with its id and advances data.
func DecodeMessage(data *[]byte) (Message, error) {
	id, err := DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}

	switch uint8(id) {
	case MsgIdentify:
		return Identify{}, nil
	case MsgQueryEncoders:
		return DecodeQueryEncoders(data)
	case MsgResetEncoder:
		return DecodeResetEncoder(data)
	case MsgStopEncoder:
		return DecodeStopEncoder(data)
	case MsgEncoderInfo:
		return DecodeEncoderInfo(data)
	case MsgEncoderState:
		return DecodeEncoderState(data)
	case MsgCounterEvent:
		return DecodeCounterEvent(data)
	}
	return nil, ErrUnknownMessage
}

// DecodeMessages decodes every message in a frame payload
func DecodeMessages(payload []byte) ([]Message, error) {
	var msgs []Message
	for len(payload) > 0 {
		m, err := DecodeMessage(&payload)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
