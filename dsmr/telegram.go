// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package dsmr extracts and decodes DSMR P1 telegrams from a smart
// meter byte stream.
package dsmr

const (
	// StartByte opens a telegram.
	StartByte = '/'
	// EndByte closes the data block of a telegram. It is followed by
	// four hex CRC digits and CR LF.
	EndByte = '!'
	// ChecksumLength is the trailing span counted from the end marker:
	// the marker itself, four hex CRC digits, CR and LF.
	ChecksumLength = 7

	// MaxTelegramSize bounds a complete telegram. Buffering more bytes
	// than this without finding a complete telegram means the stream
	// is out of protocol.
	MaxTelegramSize = 2048
)

// GasDeviceType is the M-Bus device type of a gas meter sub-device.
const GasDeviceType = 3

// SlaveChannels is the number of M-Bus channels a meter can report
// sub-devices on.
const SlaveChannels = 4

// Telegram is the decoded state of one P1 telegram. A meter only
// reports the registers it has, so every field is optional; nil means
// the telegram did not carry the field.
type Telegram struct {
	// MeterReadings holds the cumulative energy registers, indexed by
	// tariff-1.
	MeterReadings [2]MeterReading

	// TariffIndicator is the raw two-byte active tariff register.
	TariffIndicator *[2]byte

	// PowerDelivered and PowerReceived are the instantaneous total
	// power in kW.
	PowerDelivered *float64
	PowerReceived  *float64

	// PowerFailures and LongPowerFailures count outages in any phase.
	PowerFailures     *uint64
	LongPowerFailures *uint64

	// Lines holds per-phase readings, indexed by phase-1.
	Lines [3]Line

	// Slaves holds sub-devices, indexed by M-Bus channel-1.
	Slaves [SlaveChannels]Slave
}

// MeterReading is the pair of cumulative energy registers for one
// tariff, in kWh.
type MeterReading struct {
	Delivered *float64
	Received  *float64
}

// Line holds the readings of one phase of the electrical connection.
type Line struct {
	VoltageSags     *uint64
	VoltageSwells   *uint64
	Voltage         *float64 // V
	Current         *float64 // A
	ActivePowerPlus *float64 // kW delivered on this phase
	ActivePowerNeg  *float64 // kW received on this phase
}

// Slave is a sub-device reported through the meter on an M-Bus
// channel, e.g. a gas meter.
type Slave struct {
	DeviceType   *uint64
	MeterReading *float64
}

// Parser decodes a complete zero-padded readout into a Telegram.
// Implementations must be pure: same readout, same result, no side
// effects.
type Parser interface {
	Parse(readout []byte) (*Telegram, error)
}
