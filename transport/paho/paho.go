// Package paho is device.Transport over eclipse paho MQTT client.
package paho

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/hubdevice/device"
	"github.com/temoto/hubdevice/log2"
)

// Time paho is allowed to finish outstanding work on Disconnect, milliseconds.
const DisconnectQuiesce = 250

type Transport struct {
	alive        *alive.Alive
	log          *log2.Log
	m            mqtt.Client
	mopt         *mqtt.ClientOptions
	opt          device.TransportOptions
	conntok      mqtt.Token
	disconnected uint32 // OnDisconnect delivered
}

var _ device.Transport = &Transport{}

// SetLogger routes paho package loggers to log, nil disables them.
// paho loggers are process globals, call once at startup.
// DEBUG is enabled only when log level allows debug.
func SetLogger(log *log2.Log) {
	var l mqtt.Logger = mqtt.NOOPLogger{}
	if log != nil {
		l = log
	}
	mqtt.ERROR = l
	mqtt.CRITICAL = l
	mqtt.WARN = l
	mqtt.DEBUG = mqtt.NOOPLogger{}
	if log.Enabled(log2.LDebug) {
		mqtt.DEBUG = log
	}
}

// New is device.TransportFactory.
func New(opt device.TransportOptions) (device.Transport, error) {
	if opt.Handler == nil {
		return nil, errors.NotValidf("code error paho TransportOptions.Handler=nil")
	}
	self := &Transport{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
	}
	self.mopt = mqtt.NewClientOptions().
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetCleanSession(opt.CleanSession).
		SetKeepAlive(opt.Keepalive).
		SetPingTimeout(opt.NetworkTimeout).
		SetConnectTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetProtocolVersion(4).
		SetDefaultPublishHandler(self.messageHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if opt.TLS != nil {
		self.mopt.SetTLSConfig(opt.TLS)
	}
	return self, nil
}

func BrokerURL(host string, port int, secure bool) string {
	scheme := "tcp"
	if secure {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func (self *Transport) Connect(host string, port int) error {
	if self.m != nil {
		return errors.Errorf("code error paho Connect called twice")
	}
	self.mopt.AddBroker(BrokerURL(host, port, self.opt.TLS != nil))
	self.m = mqtt.NewClient(self.mopt)
	self.conntok = self.m.Connect()
	return nil
}

func (self *Transport) Disconnect() error {
	if self.m == nil {
		return errors.Annotate(mqtt.ErrNotConnected, "paho disconnect")
	}
	if self.m.IsConnectionOpen() {
		self.m.Disconnect(DisconnectQuiesce)
	}
	return nil
}

func (self *Transport) Publish(topic string, payload []byte, qos byte) error {
	if self.m == nil || !self.m.IsConnectionOpen() {
		return mqtt.ErrNotConnected
	}
	token := self.m.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.Annotatef(err, "paho publish topic=%s", topic)
		}
	default:
	}
	return self.watch(token, func(err error) {
		if err != nil {
			self.log.Errorf("paho publish topic=%s err=%v", topic, err)
			return
		}
		if qos > 0 {
			if pt, ok := token.(*mqtt.PublishToken); ok {
				self.opt.Handler.OnPublishAck(pt.MessageID())
			}
		}
	})
}

func (self *Transport) Subscribe(topic string, qos byte) error {
	if self.m == nil || !self.m.IsConnectionOpen() {
		return mqtt.ErrNotConnected
	}
	token := self.m.Subscribe(topic, qos, self.messageHandler)
	return self.watch(token, func(err error) {
		if err != nil {
			self.log.Errorf("paho subscribe topic=%s err=%v", topic, err)
			return
		}
		self.log.Debugf("paho subscribed topic=%s", topic)
	})
}

func (self *Transport) StartLoop() error {
	if self.conntok == nil {
		return errors.Errorf("code error paho StartLoop before Connect")
	}
	return self.watch(self.conntok, self.onConnectResult)
}

// StopLoop stops delivering results of outstanding work
// and reports OnDisconnect unless already reported.
// Safe to call from Handler callback, it does not wait.
func (self *Transport) StopLoop() error {
	self.alive.Stop()
	if self.m != nil && self.m.IsConnectionOpen() {
		go self.m.Disconnect(0)
	}
	go self.reportDisconnect(device.ResultOK)
	return nil
}

// watch calls fn with token result in background unless StopLoop happens first.
func (self *Transport) watch(token mqtt.Token, fn func(error)) error {
	if !self.alive.Add(1) {
		return errors.Errorf("paho transport stopped")
	}
	stopch := self.alive.StopChan()
	go func() {
		defer self.alive.Done()
		select {
		case <-token.Done():
			if self.alive.IsRunning() {
				fn(token.Error())
			}
		case <-stopch:
		}
	}()
	return nil
}

func (self *Transport) onConnectResult(err error) {
	if err == nil {
		self.opt.Handler.OnConnect(device.ResultOK)
		return
	}
	var code byte
	if ct, ok := self.conntok.(*mqtt.ConnectToken); ok {
		code = ct.ReturnCode()
	}
	if code > 0 && code < 0x80 {
		// CONNACK refused
		self.log.Errorf("paho connect refused code=%d err=%v", code, err)
		self.opt.Handler.OnConnect(code)
		return
	}
	self.log.Errorf("paho connect err=%v", err)
	self.reportDisconnect(device.ResultNetworkError)
}

func (self *Transport) reportDisconnect(code byte) {
	if atomic.CompareAndSwapUint32(&self.disconnected, 0, 1) {
		self.opt.Handler.OnDisconnect(code)
	}
}

func (self *Transport) connectLostHandler(c mqtt.Client, err error) {
	self.log.Errorf("paho connection lost err=%v", err)
	self.reportDisconnect(device.ResultNetworkError)
}

func (self *Transport) messageHandler(c mqtt.Client, msg mqtt.Message) {
	self.log.Debugf("paho message topic=%s payload=%x", msg.Topic(), msg.Payload())
	self.opt.Handler.OnMessage(msg.Topic(), msg.Payload())
}

// WaitStopped blocks until background watchers exit or timeout.
func (self *Transport) WaitStopped(timeout time.Duration) bool {
	select {
	case <-self.alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
