package device

import (
	"crypto/tls"
	"time"

	"github.com/temoto/hubdevice/log2"
)

// Transport is publish/subscribe network client driven by Client.
// Contract:
// - Connect, Disconnect, Publish, Subscribe do not wait for network round trip
// - all Handler callbacks are invoked from transport goroutines after StartLoop
// - after StopLoop transport delivers OnDisconnect once, unless already delivered
// - one Transport serves one session, it is never reused
type Transport interface {
	Connect(host string, port int) error
	Disconnect() error
	Publish(topic string, payload []byte, qos byte) error
	Subscribe(topic string, qos byte) error
	StartLoop() error
	StopLoop() error
}

// Handler receives transport events.
// Result code 0 means success, other values are MQTT CONNACK codes
// or transport specific failure codes.
type Handler interface {
	OnConnect(resultCode byte)
	OnDisconnect(resultCode byte)
	OnMessage(topic string, payload []byte)
	OnPublishAck(id uint16)
}

type TransportOptions struct {
	ClientID       string
	Username       string
	Password       string // secret
	TLS            *tls.Config
	CleanSession   bool
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	Handler        Handler
	Log            *log2.Log
}

type TransportFactory func(TransportOptions) (Transport, error)

// Codes delivered to OnDisconnect/OnConnect by transports for non protocol failures.
const (
	ResultOK            byte = 0
	ResultNetworkError  byte = 0x80
	ResultProtocolError byte = 0x81
)

func TopicEvents(deviceID string) string  { return "devices/" + deviceID + "/messages/events/" }
func TopicCommands(deviceID string) string { return "devices/" + deviceID + "/messages/devicebound/#" }
