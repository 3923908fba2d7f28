package gateway

import (
	"strings"

	"github.com/goccy/go-json"
)

// MessageHandler receives accepted shadow updates for subscribed devices.
type MessageHandler func(topic string, payload []byte)

// ShadowGateway is the pub/sub channel to the device shadows. Publishing and
// subscribing are attempted at most once; a failure is returned, never
// retried.
type ShadowGateway interface {
	// PublishDesired pushes an opaque command payload as the desired state of
	// the device's downlink shadow.
	PublishDesired(deviceID string, payload json.RawMessage) error
	// SubscribeAccepted subscribes to accepted updates of the device's uplink
	// shadow. Updates arrive at the handler the gateway was constructed with.
	SubscribeAccepted(deviceID string) error
}

// ShadowDocument is a device shadow state document.
type ShadowDocument struct {
	State ShadowState `json:"state"`
}

// ShadowState carries the desired and reported halves of a shadow.
type ShadowState struct {
	Desired  json.RawMessage `json:"desired,omitempty"`
	Reported json.RawMessage `json:"reported,omitempty"`
}

// DesiredPayload is the desired state the backend writes: the command payload
// wrapped verbatim.
type DesiredPayload struct {
	Payload json.RawMessage `json:"payload"`
}

// DesiredStateDocument builds the shadow update body for a command payload.
func DesiredStateDocument(payload json.RawMessage) ([]byte, error) {
	desired, err := json.Marshal(DesiredPayload{Payload: payload})
	if err != nil {
		return nil, err
	}
	return json.Marshal(ShadowDocument{State: ShadowState{Desired: desired}})
}

// DownlinkTopic is the topic desired state is published to.
func DownlinkTopic(prefix, deviceID string) string {
	return prefix + deviceID + "_downlink/shadow/update"
}

// UplinkAcceptedTopic is the topic accepted uplink updates arrive on.
func UplinkAcceptedTopic(prefix, deviceID string) string {
	return prefix + deviceID + "_uplink/shadow/update/accepted"
}

// DeviceIDFromTopic extracts the device identifier from an uplink or downlink
// shadow topic, e.g. "$aws/things/0004a30b001a8765_uplink/shadow/update/accepted".
// It returns the empty string if the topic has no device segment.
func DeviceIDFromTopic(topic string) string {
	for _, segment := range strings.Split(topic, "/") {
		if id, ok := strings.CutSuffix(segment, "_uplink"); ok {
			return id
		}
		if id, ok := strings.CutSuffix(segment, "_downlink"); ok {
			return id
		}
	}
	return ""
}
