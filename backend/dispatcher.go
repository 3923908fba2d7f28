package backend

import (
	"github.com/goccy/go-json"

	"github.com/sirupsen/logrus"

	"github.com/urho-eu/onoff/broker"
	"github.com/urho-eu/onoff/gateway"

	"github.com/urho-eu/onoff/core/logger"
)

// TriggerDeviceUplink tags fan-out payloads that originate from a device
// state change, so the UI knows which handler to run.
const TriggerDeviceUplink = "device_uplink"

// Builder is a builder helper for the Dispatcher.
type Builder struct {
	// API is the client for the external device/user API. This is mandatory.
	API gateway.Client
	// Shadows is the pub/sub channel to the device shadows. This is mandatory.
	Shadows gateway.ShadowGateway
	// Sender routes replies and fan-outs back to sessions. This is mandatory.
	Sender broker.Sender
}

// Dispatcher interprets command envelopes from the broker. Each command is an
// independent request/response against the external API or the device
// shadows; there is no state machine across commands, no retry and no
// timeout beyond the API client's own. Failures are logged and the operation
// abandoned - the UI observes the absence of a reply, never an error detail.
type Dispatcher struct {
	api     gateway.Client
	shadows gateway.ShadowGateway
	sender  broker.Sender
	users   *UserTable

	log *logrus.Entry
}

// MustNewDispatcher returns a new dispatcher.
func MustNewDispatcher(bb *Builder) *Dispatcher {
	if bb.Shadows == nil {
		panic("Shadows is missing")
	}
	if bb.Sender == nil {
		panic("Sender is missing")
	}
	log := logger.Default()
	return &Dispatcher{
		api:     bb.API,
		shadows: bb.Shadows,
		sender:  bb.Sender,
		users:   NewUserTable(log),
		log:     log,
	}
}

// Users exposes the user session table.
func (d *Dispatcher) Users() *UserTable {
	return d.users
}

// HandleUserUpdate implements broker.DownlinkHandler.
func (d *Dispatcher) HandleUserUpdate(update broker.UserUpdate) {
	if update.Socket == nil {
		d.log.Debugln("user_update without session dropped")
		return
	}
	d.users.OnUserUpdate(update.UserID, update.Action, update.Socket.SID)
}

// HandleCommand implements broker.DownlinkHandler. It runs one command to
// completion: the external call, then the reply or fan-out.
func (d *Dispatcher) HandleCommand(env broker.CommandEnvelope) {
	var payload commandPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.log.Debugln("malformed command payload dropped:", err)
		return
	}
	command, ok := ParseCommand(payload.Command)
	if !ok {
		d.log.Debugln("unknown downlink command received, skipping:", payload.Command)
		return
	}

	switch command {
	case CommandCreateUser:
		body, err := d.api.CreateUser()
		if err != nil {
			d.log.Errorln("users POST NOK:", err)
			return
		}
		// reply to the originating session only
		reply := broker.MustRaw(broker.Notice{Sender: env.BkID, Payload: body, Trigger: payload.Trigger})
		d.sender.Send(broker.KindDirect, env.BkID, env.ClID, env.Socket, reply)

	case CommandRegisterDevice:
		body, device, err := d.api.CreateDevice(payload.UserID, payload.DeviceID, payload.DeviceType)
		if err != nil {
			d.log.Errorln("device POST NOK:", err)
			return
		}
		d.fanOutToUser(payload.UserID, env.BkID, env.ClID,
			broker.Notice{Sender: env.BkID, Payload: body, Trigger: payload.Trigger})
		if err := d.shadows.SubscribeAccepted(device.DeviceID); err != nil {
			d.log.Errorln("subscribe for", device.DeviceID, "NOK:", err)
		}

	case CommandRemoveDevice:
		body, _, err := d.api.DeleteDevice(payload.UserID, payload.DeviceID)
		if err != nil {
			d.log.Errorln("device DELETE NOK:", err)
			return
		}
		d.fanOutToUser(payload.UserID, env.BkID, env.ClID,
			broker.Notice{Sender: env.BkID, Payload: body, Trigger: payload.Trigger})

	case CommandSwitchOn:
		d.publishOpcode(env, payload, OpcodeSwitchOn)
	case CommandSwitchOff:
		d.publishOpcode(env, payload, OpcodeSwitchOff)
	case CommandDutyCycleOn:
		d.publishOpcode(env, payload, OpcodeDutyCycleOn)
	case CommandDutyCycleOff:
		d.publishOpcode(env, payload, OpcodeDutyCycleOff)
	case CommandChangeLoRaWANClass:
		d.publishOpcode(env, payload, LoRaWANClassOpcode(payload.LoRaWANClass))
	case CommandChangeUplinkTimer:
		timer, err := payload.Timer.Int64()
		if err != nil {
			d.log.Debugln("uplink timer is not a number, dropped:", payload.Timer)
			return
		}
		opcode, err := EncodeUplinkTimer(timer)
		if err != nil {
			d.log.Debugln("uplink timer dropped:", err)
			return
		}
		d.publishOpcode(env, payload, opcode)
	}
}

// publishOpcode decorates the command payload with the translated device
// command and publishes it as desired state. There is no reply to the UI; the
// state change comes back asynchronously over the uplink path.
func (d *Dispatcher) publishOpcode(env broker.CommandEnvelope, payload commandPayload, opcode string) {
	if payload.DeviceID == "" {
		d.log.Debugln("device command without deviceId dropped:", payload.Command)
		return
	}
	var decorated map[string]interface{}
	if err := json.Unmarshal(env.Payload, &decorated); err != nil {
		d.log.Debugln("malformed command payload dropped:", err)
		return
	}
	decorated["deviceCommand"] = opcode
	raw, err := json.Marshal(decorated)
	if err != nil {
		d.log.Errorln("cannot encode device command:", err)
		return
	}
	if err := d.shadows.PublishDesired(payload.DeviceID, raw); err != nil {
		d.log.Errorln("shadow publish for", payload.DeviceID, "NOK:", err)
	}
}

// fanOutToUser sends one copy of the notice to every active session of the
// user, in connect order. A session that vanished in the meantime is a silent
// no-op in the router.
func (d *Dispatcher) fanOutToUser(userID, bkid, clid string, notice broker.Notice) {
	raw := broker.MustRaw(notice)
	for i, sid := range d.users.ActiveSessions(userID) {
		d.log.Debugf("#%d fan-out to session %s of user %s", i, sid, userID)
		d.sender.Send(broker.KindDirect, bkid, clid, broker.SessionRef{SID: sid, UserID: userID}, raw)
	}
}

// HandleDeviceNotification implements broker.DownlinkHandler. It ingests one
// accepted shadow update: resolve the owning user, then fan the desired state
// out to that user's sessions. A failed lookup drops the notification.
func (d *Dispatcher) HandleDeviceNotification(topic string, payload []byte) {
	deviceID := gateway.DeviceIDFromTopic(topic)
	if deviceID == "" {
		d.log.Debugln("notification on unrecognized topic dropped:", topic)
		return
	}
	device, err := d.api.GetDevice(deviceID)
	if err != nil {
		d.log.Errorln("device GET NOK:", err)
		return
	}
	var doc gateway.ShadowDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		d.log.Debugln("malformed shadow document dropped:", err)
		return
	}
	// a shadow can carry "desired": null, which is as empty as a missing key
	if len(doc.State.Desired) == 0 || string(doc.State.Desired) == "null" {
		return
	}
	d.fanOutToUser(device.UserID, "", "",
		broker.Notice{Payload: doc.State.Desired, Trigger: TriggerDeviceUplink})
}

// SubscribeAll enumerates all devices and subscribes to their accepted-update
// topics. Called once at startup; registerDevice subscribes incrementally
// afterwards.
func (d *Dispatcher) SubscribeAll() error {
	devices, err := d.api.ListDevices()
	if err != nil {
		return err
	}
	for i, device := range devices {
		if err := d.shadows.SubscribeAccepted(device.DeviceID); err != nil {
			d.log.Errorf("#%d subscription for %s NOK: %v", i, device.DeviceID, err)
			continue
		}
		d.log.Debugf("#%d subscribed to accepted updates of %s", i, device.DeviceID)
	}
	return nil
}

var _ broker.DownlinkHandler = (*Dispatcher)(nil)
