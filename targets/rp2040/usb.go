//go:build rp2040

package main

import "machine"

// InitUSB configures machine.Serial, which is USB CDC on the RP2040. The
// descriptors come from the TinyGo runtime.
func InitUSB() {
	machine.Serial.Configure(machine.UARTConfig{})
}

// USBAvailable returns the number of bytes waiting to be read
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWriteBytes writes data and returns how much was accepted
func USBWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}
