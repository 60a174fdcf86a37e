//go:build rp2040

package main

import (
	_ "embed"
	"machine"
	"time"

	"quadenc/config"
	"quadenc/core"
	"quadenc/protocol"
)

//go:embed board.json
var boardJSON []byte

// outputLimit bounds telemetry waiting for the host; older frames win
const outputLimit = 1024

var (
	rxBytes = make(chan byte, 256)
	decoder = protocol.NewDecoder()
	output  = make([]byte, 0, outputLimit)

	// Debug counters
	framesReceived uint32
	framesSent     uint32
	msgerrors      uint32
	outputDropped  uint32

	// USB connection state tracking
	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Disable a watchdog left running by the bootloader or a previous image
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	InitClock()
	core.TimerInit()

	if InitDebugUART() {
		core.SetDebugWriter(debugWrite)
		core.SetDebugEnabled(true)
		core.InitAsyncDebug()
	}

	board, err := config.Load(boardJSON)
	if err != nil {
		core.DebugPrintln("[CFG] " + err.Error() + ", using default board")
		board = config.DefaultBoardConfig()
	}

	core.InitEncoderCommands()
	core.SetTelemetryWriter(queueFrame)
	setupEncoders(board)
	core.DebugPrintln("[ENC] " + board.Board + " ready, protocol " + protocol.Version)

	go usbReaderLoop()

	for {
		// Recover from panics in the main loop to keep the firmware alive
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					decoder.Reset()
					output = output[:0]
				}
			}()

			UpdateSystemTime()

			drainInput()
			for {
				frame, ok := decoder.Next()
				if !ok {
					break
				}
				framesReceived++
				if err := core.HandleFrame(frame.Payload); err != nil {
					msgerrors++
				}
			}

			core.ProcessTimers()
			core.EncoderTask()

			if len(output) > 0 {
				writeUSB()
			}
		}()

		// Yield to the reader goroutine
		time.Sleep(10 * time.Microsecond)
	}
}

// usbReaderLoop moves received bytes to the main loop
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgerrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		for USBAvailable() > 0 {
			b, err := USBRead()
			if err != nil {
				msgerrors++
				break
			}
			select {
			case rxBytes <- b:
			default:
				// Main loop is behind; the decoder resyncs on the next frame
				msgerrors++
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// drainInput hands every queued byte to the frame decoder
func drainInput() {
	for {
		select {
		case b := <-rxBytes:
			if usbWasDisconnected {
				// The host is back: start from a clean state
				usbWasDisconnected = false
				decoder.Reset()
				output = output[:0]
				consecutiveWriteFailures = 0
			}
			decoder.Write([]byte{b})
		default:
			return
		}
	}
}

// queueFrame is the telemetry writer. The frame buffer is reused by the
// core, so it is copied here.
func queueFrame(frame []byte) {
	if usbWasDisconnected || len(output)+len(frame) > outputLimit {
		outputDropped++
		return
	}
	output = append(output, frame...)
	framesSent++
}

// writeUSB flushes queued telemetry, handling partial writes. After
// repeated failures the host is treated as gone and telemetry is dropped
// until it sends something again.
func writeUSB() {
	written := 0
	for written < len(output) {
		n, err := USBWriteBytes(output[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				output = output[:0]
				return
			}
			break
		}
		written += n
	}

	if written > 0 {
		consecutiveWriteFailures = 0
		output = output[:copy(output, output[written:])]
	}
}
