// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dsmr

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/sigurn/crc16"
)

// The P1 checksum is CRC16/ARC over the bytes from the start marker
// through the end marker inclusive.
var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// TelegramParser decodes the DSMR P1 ASCII grammar. OBIS lines the
// exporter has no use for are skipped.
type TelegramParser struct{}

// NewParser allocates a TelegramParser.
func NewParser() *TelegramParser { return &TelegramParser{} }

// Parse verifies the checksum of a zero-padded readout and decodes the
// OBIS lines it recognizes.
func (p *TelegramParser) Parse(readout []byte) (*Telegram, error) {
	if len(readout) == 0 || readout[0] != StartByte {
		return nil, fmt.Errorf("missing start marker")
	}
	end := bytes.IndexByte(readout, EndByte)
	if end < 0 {
		return nil, fmt.Errorf("missing end marker")
	}
	if len(readout) < end+5 {
		return nil, fmt.Errorf("truncated checksum field")
	}

	want, err := strconv.ParseUint(string(readout[end+1:end+5]), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid checksum field: %w", err)
	}
	if got := crc16.Checksum(readout[:end+1], crcTable); uint64(got) != want {
		return nil, fmt.Errorf("checksum mismatch: telegram %04X, computed %04X", want, got)
	}

	t := &Telegram{}
	for _, line := range strings.Split(string(readout[:end]), "\r\n") {
		if line == "" || line[0] == StartByte {
			continue
		}
		if err := parseLine(t, line); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func parseLine(t *Telegram, line string) error {
	open := strings.IndexByte(line, '(')
	if open <= 0 {
		return nil
	}
	id := line[:open]
	vals, err := cosemValues(line[open:])
	if err != nil {
		return fmt.Errorf("line %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil
	}

	switch id {
	case "1-0:1.8.1":
		return setFloat(&t.MeterReadings[0].Delivered, vals[0], id)
	case "1-0:1.8.2":
		return setFloat(&t.MeterReadings[1].Delivered, vals[0], id)
	case "1-0:2.8.1":
		return setFloat(&t.MeterReadings[0].Received, vals[0], id)
	case "1-0:2.8.2":
		return setFloat(&t.MeterReadings[1].Received, vals[0], id)
	case "0-0:96.14.0":
		raw, err := hex.DecodeString(vals[0])
		if err != nil || len(raw) != 2 {
			return fmt.Errorf("line %s: invalid tariff indicator %q", id, vals[0])
		}
		t.TariffIndicator = &[2]byte{raw[0], raw[1]}
		return nil
	case "1-0:1.7.0":
		return setFloat(&t.PowerDelivered, vals[0], id)
	case "1-0:2.7.0":
		return setFloat(&t.PowerReceived, vals[0], id)
	case "0-0:96.7.21":
		return setUint(&t.PowerFailures, vals[0], id)
	case "0-0:96.7.9":
		return setUint(&t.LongPowerFailures, vals[0], id)
	case "1-0:32.32.0":
		return setUint(&t.Lines[0].VoltageSags, vals[0], id)
	case "1-0:52.32.0":
		return setUint(&t.Lines[1].VoltageSags, vals[0], id)
	case "1-0:72.32.0":
		return setUint(&t.Lines[2].VoltageSags, vals[0], id)
	case "1-0:32.36.0":
		return setUint(&t.Lines[0].VoltageSwells, vals[0], id)
	case "1-0:52.36.0":
		return setUint(&t.Lines[1].VoltageSwells, vals[0], id)
	case "1-0:72.36.0":
		return setUint(&t.Lines[2].VoltageSwells, vals[0], id)
	case "1-0:32.7.0":
		return setFloat(&t.Lines[0].Voltage, vals[0], id)
	case "1-0:52.7.0":
		return setFloat(&t.Lines[1].Voltage, vals[0], id)
	case "1-0:72.7.0":
		return setFloat(&t.Lines[2].Voltage, vals[0], id)
	case "1-0:31.7.0":
		return setFloat(&t.Lines[0].Current, vals[0], id)
	case "1-0:51.7.0":
		return setFloat(&t.Lines[1].Current, vals[0], id)
	case "1-0:71.7.0":
		return setFloat(&t.Lines[2].Current, vals[0], id)
	case "1-0:21.7.0":
		return setFloat(&t.Lines[0].ActivePowerPlus, vals[0], id)
	case "1-0:41.7.0":
		return setFloat(&t.Lines[1].ActivePowerPlus, vals[0], id)
	case "1-0:61.7.0":
		return setFloat(&t.Lines[2].ActivePowerPlus, vals[0], id)
	case "1-0:22.7.0":
		return setFloat(&t.Lines[0].ActivePowerNeg, vals[0], id)
	case "1-0:42.7.0":
		return setFloat(&t.Lines[1].ActivePowerNeg, vals[0], id)
	case "1-0:62.7.0":
		return setFloat(&t.Lines[2].ActivePowerNeg, vals[0], id)
	}

	// M-Bus sub-device lines carry the channel in the address part:
	// 0-<ch>:24.1.0 is the device type, 0-<ch>:24.2.1 the reading.
	if ch, code, ok := slaveChannel(id); ok {
		slave := &t.Slaves[ch-1]
		switch code {
		case "24.1.0":
			return setUint(&slave.DeviceType, vals[0], id)
		case "24.2.1":
			// First value is the capture timestamp, second the
			// cumulative reading.
			if len(vals) < 2 {
				return fmt.Errorf("line %s: missing reading value", id)
			}
			return setFloat(&slave.MeterReading, vals[1], id)
		}
	}
	return nil
}

// cosemValues splits a run of parenthesized values, e.g.
// "(101209112500W)(12785.123*m3)" into its inner strings.
func cosemValues(s string) ([]string, error) {
	var vals []string
	for len(s) > 0 {
		if s[0] != '(' {
			return nil, fmt.Errorf("unexpected byte %q in value list", s[0])
		}
		closing := strings.IndexByte(s, ')')
		if closing < 0 {
			return nil, fmt.Errorf("unterminated value")
		}
		vals = append(vals, s[1:closing])
		s = s[closing+1:]
	}
	return vals, nil
}

// setFloat parses a numeric value with an optional "*unit" suffix.
func setFloat(dst **float64, val, id string) error {
	if i := strings.IndexByte(val, '*'); i >= 0 {
		val = val[:i]
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("line %s: %w", id, err)
	}
	*dst = &f
	return nil
}

func setUint(dst **uint64, val, id string) error {
	if i := strings.IndexByte(val, '*'); i >= 0 {
		val = val[:i]
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("line %s: %w", id, err)
	}
	*dst = &u
	return nil
}

// slaveChannel matches OBIS addresses of the form "0-<ch>:<code>" for
// channels 1 through SlaveChannels.
func slaveChannel(id string) (int, string, bool) {
	if len(id) < 5 || id[0] != '0' || id[1] != '-' || id[3] != ':' {
		return 0, "", false
	}
	ch := int(id[2] - '0')
	if ch < 1 || ch > SlaveChannels {
		return 0, "", false
	}
	return ch, id[4:], true
}
