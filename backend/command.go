package backend

import (
	"github.com/goccy/go-json"
)

// Command is the closed set of downlink commands the dispatcher understands.
// Adding a command means adding a constant here and a case to the dispatch
// switch; anything else is dropped with a diagnostic.
type Command string

const (
	CommandCreateUser         Command = "createUser"
	CommandRegisterDevice     Command = "registerDevice"
	CommandRemoveDevice       Command = "removeDevice"
	CommandSwitchOn           Command = "switchOn"
	CommandSwitchOff          Command = "switchOff"
	CommandDutyCycleOn        Command = "dutyCycleOn"
	CommandDutyCycleOff       Command = "dutyCycleOff"
	CommandChangeLoRaWANClass Command = "changeLoRaWANClass"
	CommandChangeUplinkTimer  Command = "changeUplinkTimer"
)

// ParseCommand maps a wire command name onto the enumeration.
func ParseCommand(name string) (Command, bool) {
	switch c := Command(name); c {
	case CommandCreateUser, CommandRegisterDevice, CommandRemoveDevice,
		CommandSwitchOn, CommandSwitchOff,
		CommandDutyCycleOn, CommandDutyCycleOff,
		CommandChangeLoRaWANClass, CommandChangeUplinkTimer:
		return c, true
	}
	return "", false
}

// commandPayload is the part of a command envelope's payload the dispatcher
// interprets. The full payload stays opaque and is forwarded as-is.
type commandPayload struct {
	Command      string     `json:"command"`
	DeviceID     string     `json:"deviceId,omitempty"`
	DeviceType   string     `json:"deviceType,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	Timer        timerValue `json:"timer,omitempty"`
	LoRaWANClass string     `json:"lorawanclass,omitempty"`
	Trigger      string     `json:"trigger,omitempty"`
}

// timerValue accepts the uplink timer both as a JSON number and as a string;
// the UI sends either. Whether the content is numeric is decided at Int64
// time, not at decode time.
type timerValue string

func (v *timerValue) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*v = timerValue(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = timerValue(s)
	return nil
}

// Int64 parses the timer value.
func (v timerValue) Int64() (int64, error) {
	return json.Number(v).Int64()
}
