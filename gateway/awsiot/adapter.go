// Package awsiot connects the broker to the AWS IoT device shadows over MQTT
// with X.509 client certificates, the same channel the devices themselves use.
package awsiot

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/goccy/go-json"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/urho-eu/onoff/core/logger"
	"github.com/urho-eu/onoff/gateway"
)

// DefaultTopicPrefix is the AWS IoT thing namespace.
const DefaultTopicPrefix = "$aws/things/"

// Builder is a builder helper for the Adapter.
type Builder struct {
	// Endpoint is the host:port of the AWS IoT broker. This is mandatory.
	Endpoint string
	// ClientID identifies this backend on the MQTT side. This is mandatory.
	ClientID string
	// CertFile is the file path to the X.509 certificate file. This is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. This is mandatory.
	KeyFile string
	// CACertFile is the file path to the CA certificate. This is mandatory.
	CACertFile string
	// Handler receives accepted shadow updates. This is mandatory.
	Handler gateway.MessageHandler
	// TopicPrefix overrides DefaultTopicPrefix, mainly for tests.
	TopicPrefix string
}

// Adapter implements gateway.ShadowGateway against AWS IoT.
type Adapter struct {
	client  mqtt.Client
	prefix  string
	handler gateway.MessageHandler
	log     *logrus.Entry
}

// MustNewAdapter connects to the endpoint and returns the adapter.
func MustNewAdapter(bb *Builder) *Adapter {
	if bb.Endpoint == "" {
		panic("Endpoint is missing")
	}
	if bb.ClientID == "" {
		panic("ClientID is missing")
	}
	if bb.CertFile == "" || bb.KeyFile == "" || bb.CACertFile == "" {
		panic("certificate files are missing")
	}
	if bb.Handler == nil {
		panic("Handler is missing")
	}
	prefix := bb.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}
	caCert, err := os.ReadFile(bb.CACertFile)
	if err != nil {
		panic(err)
	}
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCert)

	log := logger.Default()
	a := &Adapter{prefix: prefix, handler: bb.Handler, log: log}

	opts := mqtt.NewClientOptions().
		AddBroker("tls://" + bb.Endpoint).
		SetClientID(bb.ClientID).
		SetTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{crt},
			RootCAs:      caCertPool,
		}).
		SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		log.Infoln("device gateway connected:", bb.Endpoint)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Errorln("device gateway connection lost:", err)
	}

	a.client = mqtt.NewClient(opts)
	if token := a.client.Connect(); token.Wait() && token.Error() != nil {
		panic(token.Error())
	}
	return a
}

// PublishDesired implements gateway.ShadowGateway.
func (a *Adapter) PublishDesired(deviceID string, payload json.RawMessage) error {
	doc, err := gateway.DesiredStateDocument(payload)
	if err != nil {
		return err
	}
	token := a.client.Publish(gateway.DownlinkTopic(a.prefix, deviceID), 1, false, doc)
	token.Wait()
	return token.Error()
}

// SubscribeAccepted implements gateway.ShadowGateway.
func (a *Adapter) SubscribeAccepted(deviceID string) error {
	topic := gateway.UplinkAcceptedTopic(a.prefix, deviceID)
	token := a.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		a.handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Close disconnects from the endpoint.
func (a *Adapter) Close() {
	a.client.Disconnect(250)
}

var _ gateway.ShadowGateway = (*Adapter)(nil)
