package core

import "quadenc/protocol"

// TelemetryWriter receives complete frames for the host link
type TelemetryWriter func(frame []byte)

var (
	telemetryWriter  TelemetryWriter
	telemetryEncoder protocol.Encoder
	telemetryOutput  = protocol.NewScratchOutput()
	telemetryDropped uint32
)

// SetTelemetryWriter sets the platform output for telemetry frames (USB
// CDC, UART, an in-process hub)
func SetTelemetryWriter(writer TelemetryWriter) {
	telemetryWriter = writer
}

// SendMessage frames m and hands it to the telemetry writer. Frames are
// counted as dropped when no writer is set.
func SendMessage(m protocol.Message) error {
	telemetryOutput.Reset()
	if err := telemetryEncoder.EncodeMessages(telemetryOutput, m); err != nil {
		return err
	}
	if telemetryWriter == nil {
		telemetryDropped++
		return nil
	}
	telemetryWriter(telemetryOutput.Result())
	return nil
}

// TelemetryDropped returns the number of frames sent with no writer set
func TelemetryDropped() uint32 {
	return telemetryDropped
}

// InitEncoderCommands registers the host commands
func InitEncoderCommands() {
	RegisterCommand(protocol.MsgIdentify, handleIdentify)
	RegisterCommand(protocol.MsgQueryEncoders, handleQueryEncoders)
	RegisterCommand(protocol.MsgResetEncoder, handleResetEncoder)
	RegisterCommand(protocol.MsgStopEncoder, handleStopEncoder)
}

// HandleFrame dispatches every command in a frame payload. Processing
// stops at the first failing command.
func HandleFrame(payload []byte) error {
	for len(payload) > 0 {
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			RecordTiming(EvtCommandError, 0, GetTime(), 0, 0)
			return err
		}
		if err := DispatchCommand(uint8(id), &payload); err != nil {
			RecordTiming(EvtCommandError, 0, GetTime(), id, 0)
			DebugPrintln("[CMD] " + protocol.MessageName(uint8(id)) + ": " + err.Error())
			return err
		}
	}
	return nil
}

// handleIdentify answers with one encoder_info per channel
func handleIdentify(data *[]byte) error {
	for _, ch := range Encoders() {
		if err := SendMessage(ch.Info); err != nil {
			return err
		}
	}
	return nil
}

// handleQueryEncoders sets the report interval and starts channels that
// are not sampling yet
func handleQueryEncoders(data *[]byte) error {
	q, err := protocol.DecodeQueryEncoders(data)
	if err != nil {
		return err
	}

	SetReportInterval(q.IntervalUS)
	if q.IntervalUS == 0 {
		return nil
	}
	for _, ch := range Encoders() {
		if ch.running {
			continue
		}
		if err := StartEncoder(ch.OID); err != nil {
			return err
		}
	}
	return nil
}

func handleResetEncoder(data *[]byte) error {
	m, err := protocol.DecodeResetEncoder(data)
	if err != nil {
		return err
	}
	return ResetEncoder(m.OID)
}

func handleStopEncoder(data *[]byte) error {
	m, err := protocol.DecodeStopEncoder(data)
	if err != nil {
		return err
	}
	return StopEncoder(m.OID)
}
