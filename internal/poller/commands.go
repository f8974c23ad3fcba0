// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poller

// ZBM register map, as used by this daemon.
const (
	RegDeviceID        = 0x9010
	RegMeasurements    = 0x9011
	RegState           = 0x9017
	RegSerial          = 0x9018
	RegFirmware        = 0x901A
	RegOperationalMode = 0x9020
	RegSoh             = 0x9021
	RegAlarms          = 0x9022

	RegDeviceAddress        = 0x9030
	RegClearStatus          = 0x9031
	RegDelayedMaintenance   = 0x9032
	RegImmediateMaintenance = 0x9033
)

// Field describes how one register span inside a composite command decodes
// into a leaf value. Registers arrive big-endian; Words==2 values are
// formed as (high << 16) | low with the first register as the high word.
// Scale divides the raw value; Percent marks registers holding hundredths,
// whose scaled fraction is published as a percentage.
type Field struct {
	Offset    int
	Words     int
	Signed    bool
	Integer   bool
	Scale     float64
	Percent   bool
	Unit      string
	Precision int
	Path      string
}

// Command is one composite read: a register block whose response decodes
// into several logical fields.
type Command struct {
	Reg    uint16
	Count  uint16
	Fields []Field
	Alarms bool // decode as the two-bit alarm pair block instead
}

// zbmCommands is the static acquisition sequence. The measurement block
// runs first so a fresh device shows values as early as possible.
var zbmCommands = []Command{
	{
		Reg:   RegMeasurements,
		Count: 6,
		Fields: []Field{
			{Offset: 0, Scale: 100, Percent: true, Unit: "%", Precision: 0, Path: "Soc"},
			{Offset: 1, Integer: true, Scale: 1, Path: "ConsumedAmphours"},
			{Offset: 2, Scale: 10, Unit: "V", Precision: 1, Path: "Dc/0/Voltage"},
			{Offset: 3, Signed: true, Scale: 10, Unit: "A", Precision: 1, Path: "Dc/0/Current"},
			{Offset: 4, Signed: true, Scale: 10, Unit: "C", Precision: 1, Path: "Dc/0/Temperature"},
			{Offset: 5, Signed: true, Scale: 10, Unit: "C", Precision: 1, Path: "AirTemperature"},
		},
	},
	{
		Reg:   RegState,
		Count: 1,
		Fields: []Field{
			{Offset: 0, Integer: true, Scale: 1, Path: "State"},
		},
	},
	{
		Reg:   RegOperationalMode,
		Count: 2,
		Fields: []Field{
			{Offset: 0, Integer: true, Scale: 1, Path: "OperationalMode"},
			{Offset: 1, Scale: 100, Percent: true, Unit: "%", Precision: 0, Path: "Soh"},
		},
	},
	{
		Reg:    RegAlarms,
		Count:  2,
		Alarms: true,
	},
}

// alarmNames is the fixed bit-pair order of the alarm block. Each alarm
// occupies two bits (0 clear, 1 warning, 2 active), eight alarms per
// register, lowest pair first.
var alarmNames = []string{
	"Maintenance",
	"MaintenanceActive",
	"OverCurrent",
	"OverVoltage",
	"BatteryTemperature",
	"ZincPump",
	"BromidePump",
	"LeakSensors",
	"InternalFailure",
	"ElectricBoard",
	"BatteryTemperatureSensor",
	"AirTemperatureSensor",
	"StateOfHealth",
	"Leak1Trip",
	"Leak2Trip",
	"Unknown",
}

// FieldValue is one decoded field, scaled but not yet presented.
type FieldValue struct {
	Field *Field
	Raw   uint16
	Value float64
}

// decodeFields applies type, width and scale to a composite response.
func decodeFields(cmd *Command, regs []uint16) []FieldValue {
	var out []FieldValue
	for i := range cmd.Fields {
		f := &cmd.Fields[i]
		if f.Offset >= len(regs) {
			continue
		}
		var raw int64
		if f.Words == 2 {
			if f.Offset+1 >= len(regs) {
				continue
			}
			u := uint32(regs[f.Offset])<<16 | uint32(regs[f.Offset+1])
			if f.Signed {
				raw = int64(int32(u))
			} else {
				raw = int64(u)
			}
		} else {
			if f.Signed {
				raw = int64(int16(regs[f.Offset]))
			} else {
				raw = int64(regs[f.Offset])
			}
		}
		scale := f.Scale
		if scale == 0 {
			scale = 1
		}
		out = append(out, FieldValue{
			Field: f,
			Raw:   regs[f.Offset],
			Value: float64(raw) / scale,
		})
	}
	return out
}

// decodeAlarms unpacks the two-register alarm block into per-alarm levels.
// A reserved pair value of 3 is clamped to active.
func decodeAlarms(regs []uint16) map[string]int {
	out := make(map[string]int, len(alarmNames))
	for i, name := range alarmNames {
		word := i / 8
		if word >= len(regs) {
			break
		}
		level := int(regs[word]>>(2*(i%8))) & 0x3
		if level > 2 {
			level = 2
		}
		out[name] = level
	}
	return out
}
