package backend

import (
	"fmt"
)

// Opcodes understood by the smart socket firmware. The strings go into the
// shadow's desired state verbatim; the firmware side treats them as opaque
// hex sequences.
const (
	OpcodeSwitchOff    = "300100"
	OpcodeSwitchOn     = "300101"
	OpcodeDutyCycleOn  = "400100"
	OpcodeDutyCycleOff = "400101"
	OpcodeClassDefault = "400102"
	OpcodeClassC       = "400103"

	opcodeUplinkTimer   = "31"
	opcodeTimerSequence = "00"

	// MaxUplinkTimer is the largest timer value representable in the six hex
	// digits of the uplink timer opcode.
	MaxUplinkTimer = 0xFFFFFF
)

// EncodeUplinkTimer builds the changeUplinkTimer opcode: "31", a fixed
// sequence field and the timer value left-zero-padded to six hex digits.
// Values outside [0, MaxUplinkTimer] are rejected instead of producing a
// malformed opcode.
func EncodeUplinkTimer(timer int64) (string, error) {
	if timer < 0 || timer > MaxUplinkTimer {
		return "", fmt.Errorf("uplink timer %d out of range [0, %d]", timer, int64(MaxUplinkTimer))
	}
	return fmt.Sprintf("%s%s%06x", opcodeUplinkTimer, opcodeTimerSequence, timer), nil
}

// LoRaWANClassOpcode maps a LoRaWAN class onto its change opcode. Class "3"
// has its own opcode, everything else shares the default one.
func LoRaWANClassOpcode(class string) string {
	if class == "3" {
		return OpcodeClassC
	}
	return OpcodeClassDefault
}
