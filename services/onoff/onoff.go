// The onoff service: the message broker and command dispatcher for the
// OnOff smart socket UI.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/urho-eu/onoff/backend"
	"github.com/urho-eu/onoff/broker"
	"github.com/urho-eu/onoff/core/logger"
	"github.com/urho-eu/onoff/gateway"
	"github.com/urho-eu/onoff/gateway/awsiot"
	gatewaymqtt "github.com/urho-eu/onoff/gateway/mqtt"
)

// Service holds the configuration for this service
//
// use GATEWAY="embedded" together with POSTGRES="host=localhost port=5432
// user=postgres password=docker dbname=postgres sslmode=disable" to run
// without an AWS account
type Service struct {
	Listen         string `env:"LISTEN,default=:8081" description:"listen address of the websocket and status API"`
	AllowancesFile string `env:"ALLOWANCES,required" description:"path of the allowance configuration file"`

	APIEndpoint   string `env:"GRUS_ENDPOINT,required" description:"base URL of the external device/user API"`
	APIKey        string `env:"GRUS_API_KEY,required" description:"API key for the external API"`
	ApplicationID string `env:"GRUS_APPLICATION_ID,required" description:"application id for the external API"`

	Gateway string `env:"GATEWAY,default=awsiot" description:"device gateway: awsiot or embedded"`

	IoTEndpoint string `env:"IOT_ENDPOINT" description:"AWS IoT endpoint host:port"`
	IoTClientID string `env:"IOT_CLIENT_ID" description:"MQTT client id towards AWS IoT"`
	CertFile    string `env:"IOT_CERT" description:"X.509 certificate file"`
	KeyFile     string `env:"IOT_KEY" description:"X.509 private key file"`
	CACertFile  string `env:"IOT_CA_CERT" description:"CA certificate file"`

	Postgres   string `env:"POSTGRES" description:"postgres connection string for the embedded gateway"`
	MQTTListen string `env:"MQTT_LISTEN,default=:1883" description:"listen address of the embedded gateway"`

	BroadcastOnJoin  bool `env:"BROADCAST_ONJOIN,default=false" description:"announce joining clients to their room"`
	BroadcastOnLeave bool `env:"BROADCAST_ONLEAVE,default=false" description:"announce leaving clients to their room"`
}

func main() {
	logger.InitLogger(logrus.DebugLevel)
	log := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	allowancesJSON, err := os.ReadFile(service.AllowancesFile)
	if err != nil {
		panic(err)
	}
	allowed, err := broker.LoadAllowances(allowancesJSON)
	if err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	logger.AddConnectionID(router)

	b := broker.MustNewBroker(&broker.Builder{
		Allowed:          allowed,
		Router:           router,
		BroadcastOnJoin:  service.BroadcastOnJoin,
		BroadcastOnLeave: service.BroadcastOnLeave,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var shadows gateway.ShadowGateway
	switch service.Gateway {
	case "embedded":
		db, err := sql.Open("postgres", service.Postgres)
		if err != nil {
			panic(err)
		}
		defer db.Close()
		embedded := gatewaymqtt.MustNewBroker(&gatewaymqtt.Builder{
			DB:      db,
			Addr:    service.MQTTListen,
			Handler: b.NotifyDevice,
		})
		go embedded.Run(ctx)
		shadows = embedded
	case "awsiot":
		shadows = awsiot.MustNewAdapter(&awsiot.Builder{
			Endpoint:   service.IoTEndpoint,
			ClientID:   service.IoTClientID,
			CertFile:   service.CertFile,
			KeyFile:    service.KeyFile,
			CACertFile: service.CACertFile,
			Handler:    b.NotifyDevice,
		})
	default:
		panic("unknown gateway: " + service.Gateway)
	}

	api := gateway.NewWithURL(service.APIEndpoint).
		WithAPIKey(service.APIKey).
		WithApplicationID(service.ApplicationID)

	dispatcher := backend.MustNewDispatcher(&backend.Builder{
		API:     api,
		Shadows: shadows,
		Sender:  b,
	})
	b.AttachDownlink(dispatcher)

	if err := dispatcher.SubscribeAll(); err != nil {
		log.Errorln("devices GET NOK:", err)
	}

	log.Infoln("listen on", service.Listen)
	go http.ListenAndServe(service.Listen,
		handlers.CombinedLoggingHandler(os.Stdout,
			handlers.CORS()(handlers.CompressHandler(router))))

	b.Run(ctx)
}
