package protocol

// OnOff is a two-state switch reported by the probe
type OnOff string

const (
	On  OnOff = "on"
	Off OnOff = "off"
)

// Alarm is the enable state of a probe alarm
type Alarm string

const (
	AlarmEnabled  Alarm = "Enabled"
	AlarmDisabled Alarm = "Disabled"
)

// Unit is the temperature unit shown on the probe display
type Unit string

const (
	Celsius    Unit = "C"
	Fahrenheit Unit = "F"
)

// Settings bitmasks
const (
	maskChannel     = 0x01
	maskHold        = 0x04
	maskTempDisplay = 0x08
	maskBuzzer      = 0x10
	maskAlarmProbe2 = 0x20
	maskAlarmProbe1 = 0x40
	maskAlarmMain   = 0x80
)

// Settings is an immutable snapshot of the device status byte.
type Settings struct {
	Channel     OnOff `json:"channel" yaml:"channel"`           // on: display shows the main probe
	Hold        OnOff `json:"hold" yaml:"hold"`                 // on: a value is locked on screen
	TempDisplay Unit  `json:"temp_display" yaml:"temp_display"` // unit used by hold values
	Buzzer      OnOff `json:"buzzer" yaml:"buzzer"`
	AlarmProbe2 Alarm `json:"alarm_probe2" yaml:"alarm_probe2"`
	AlarmProbe1 Alarm `json:"alarm_probe1" yaml:"alarm_probe1"`
	AlarmMain   Alarm `json:"alarm_main" yaml:"alarm_main"`
}

// DecodeSettings decodes the single status byte. Returns nil unless data is exactly one byte.
func DecodeSettings(data []byte) *Settings {
	if len(data) != 1 {
		return nil
	}
	b := data[0]
	return &Settings{
		Channel:     onOff(b, maskChannel),
		Hold:        onOff(b, maskHold),
		TempDisplay: unit(b),
		Buzzer:      onOff(b, maskBuzzer),
		AlarmProbe2: alarm(b, maskAlarmProbe2),
		AlarmProbe1: alarm(b, maskAlarmProbe1),
		AlarmMain:   alarm(b, maskAlarmMain),
	}
}

// HoldOn reports whether the on-device hold feature is active
func (s *Settings) HoldOn() bool {
	return s != nil && s.Hold == On
}

func onOff(b, mask byte) OnOff {
	if b&mask != 0 {
		return On
	}
	return Off
}

func alarm(b, mask byte) Alarm {
	if b&mask != 0 {
		return AlarmEnabled
	}
	return AlarmDisabled
}

func unit(b byte) Unit {
	if b&maskTempDisplay != 0 {
		return Celsius
	}
	return Fahrenheit
}
