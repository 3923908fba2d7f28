// Package mqtt is an embedded shadow broker for local development. It speaks
// the same gateway contract as AWS IoT: desired state arrives on the downlink
// shadow topic, simulated devices publish uplink updates, and accepted
// updates are republished and handed to the backend in-process. Shadow
// documents are persisted in a postgres table so restarts keep device state.
package mqtt

import (
	"context"
	"database/sql"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // for the postgres database

	"github.com/urho-eu/onoff/core/logger"
	"github.com/urho-eu/onoff/gateway"
)

// Builder is a builder helper for the Broker.
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *sql.DB
	// Schema is the postgres schema for the shadow table. Defaults to "public".
	Schema string
	// Addr is the MQTT listen address. Defaults to ":1883".
	Addr string
	// Handler receives accepted shadow updates. This is mandatory.
	Handler gateway.MessageHandler
}

// Broker is the embedded MQTT shadow broker.
type Broker struct {
	p *plugin
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln     net.Listener
	schema string
	db     *sql.DB

	service gmqtt.Server

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	handler gateway.MessageHandler
	log     *logrus.Entry
}

// MustNewBroker returns a new broker. The broker will not actually run until
// you call Run.
func MustNewBroker(bb *Builder) *Broker {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Handler == nil {
		panic("Handler is missing")
	}
	schema := bb.Schema
	if schema == "" {
		schema = "public"
	}
	addr := bb.Addr
	if addr == "" {
		addr = ":1883"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		panic(err)
	}

	// poor man's database migrations
	_, err = bb.DB.Exec(`CREATE table IF NOT EXISTS ` + schema + `.shadow
(device_id varchar NOT NULL,
desired json NOT NULL,
reported json NOT NULL,
desired_at timestamp NOT NULL,
reported_at timestamp NOT NULL,
PRIMARY KEY(device_id)
);`)
	if err != nil {
		panic(err)
	}

	return &Broker{
		p: &plugin{
			ln:         ln,
			schema:     schema,
			db:         bb.DB,
			subscribed: make(map[string]bool),
			handler:    bb.Handler,
			log:        logger.Default(),
		},
	}
}

// Run is blocking and runs the embedded broker until the context is
// cancelled.
func (b *Broker) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.p.log.Infoln("embedded shadow broker listening on", b.p.ln.Addr())
	<-ctx.Done()
	s.Stop(context.Background())
}

// PublishDesired implements gateway.ShadowGateway: store the desired state
// and push it out on the downlink shadow topic for simulated devices.
func (b *Broker) PublishDesired(deviceID string, payload json.RawMessage) error {
	doc, err := gateway.DesiredStateDocument(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	never := time.Time{}
	_, err = b.p.db.Exec(
		`INSERT INTO `+b.p.schema+`.shadow(device_id,desired,reported,desired_at,reported_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (device_id) DO UPDATE SET desired=$2,desired_at=$4;`,
		deviceID, string(doc), "{}", now, never)
	if err != nil {
		return err
	}
	if b.p.service != nil {
		msg := gmqtt.NewMessage(gateway.DownlinkTopic("", deviceID), doc, packets.QOS_1)
		b.p.service.PublishService().Publish(msg)
	}
	return nil
}

// SubscribeAccepted implements gateway.ShadowGateway. The embedded broker
// delivers accepted updates in-process, so subscribing only marks the device.
func (b *Broker) SubscribeAccepted(deviceID string) error {
	b.p.subscribedMu.Lock()
	defer b.p.subscribedMu.Unlock()
	b.p.subscribed[deviceID] = true
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "onoff shadow broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnMsgArrivedWrapper intercepts uplink shadow updates from simulated
// devices: persist the report, republish it as accepted and notify the
// backend for subscribed devices.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		deviceID, ok := uplinkDevice(topic)
		if !ok {
			return arrived(ctx, client, msg)
		}
		body := msg.Payload()
		if !json.Valid(body) {
			p.log.Debugln("invalid json on", topic)
			return false
		}
		now := time.Now().UTC()
		never := time.Time{}
		_, err := p.db.Exec(
			`INSERT INTO `+p.schema+`.shadow(device_id,desired,reported,desired_at,reported_at)
			VALUES($1,$2,$3,$4,$5)
			ON CONFLICT (device_id) DO UPDATE SET reported=$3,reported_at=$5;`,
			deviceID, "{}", string(body), never, now)
		if err != nil {
			p.log.Errorln("shadow write for", deviceID, "NOK:", err)
		}

		accepted := gateway.UplinkAcceptedTopic("", deviceID)
		p.service.PublishService().Publish(gmqtt.NewMessage(accepted, body, packets.QOS_1))

		p.subscribedMu.RLock()
		notify := p.subscribed[deviceID]
		p.subscribedMu.RUnlock()
		if notify {
			p.handler(accepted, body)
		}
		return arrived(ctx, client, msg)
	}
}

// uplinkDevice extracts the device id from "{id}_uplink/shadow/update".
func uplinkDevice(topic string) (string, bool) {
	segment, rest, ok := strings.Cut(topic, "/")
	if !ok || rest != "shadow/update" {
		return "", false
	}
	deviceID, ok := strings.CutSuffix(segment, "_uplink")
	if !ok || deviceID == "" {
		return "", false
	}
	return deviceID, true
}

var _ gateway.ShadowGateway = (*Broker)(nil)
