package device

import (
	"sync/atomic"

	"github.com/juju/errors"
	device_config "github.com/temoto/hubdevice/device/config"
	"github.com/temoto/hubdevice/log2"
)

// session is one connect-to-disconnect lifetime of transport handle.
// It is the Handler registered with transport, events of replaced session are ignored.
type session struct {
	client    *Client
	transport Transport
	opened    chan struct{} // closed after connecting entry action completed
	routed    uint32        // atomic bool, router attached
}

var _ Handler = &session{}

func newSession(c *Client) *session {
	return &session{client: c, opened: make(chan struct{})}
}

func (s *session) open() error {
	c := s.client
	expiry := c.tokens.Expiry()
	password, err := c.tokens.Generate(c.cs, expiry)
	if err != nil {
		return errors.Annotate(err, "token")
	}
	tlsconf, err := TLSConfig(c.config.CaFile, c.config.TlsVersion, c.cs.HostName)
	if err != nil {
		return err
	}

	transportLog := c.log.Clone(log2.LInfo)
	if c.config.TransportLogDebug {
		transportLog.SetLevel(log2.LDebug)
	}
	transportLog.SetErrorFunc(func(error) { c.metrics.IncTransportError() })

	username := c.cs.Username()
	t, err := c.newTransport(TransportOptions{
		ClientID:       c.cs.DeviceID,
		Username:       username,
		Password:       password,
		TLS:            tlsconf,
		CleanSession:   false,
		Keepalive:      c.config.Keepalive(),
		NetworkTimeout: c.config.NetworkTimeout(),
		Handler:        s,
		Log:            transportLog,
	})
	if err != nil {
		return errors.Annotate(err, "transport")
	}
	s.transport = t

	host, port := c.cs.HostName, c.config.EffectivePort()
	c.log.Infof("connecting host=%s port=%d username=%s token expiry=%s", host, port, username, expiry.UTC().Format("2006-01-02T15:04:05Z"))
	if err = t.Connect(host, port); err != nil {
		return errors.Annotatef(err, "transport connect host=%s", host)
	}
	if err = t.StartLoop(); err != nil {
		_ = t.Disconnect()
		return errors.Annotate(err, "transport start")
	}
	return nil
}

func (s *session) routeMessages() { atomic.StoreUint32(&s.routed, 1) }
func (s *session) messagesRouted() bool { return atomic.LoadUint32(&s.routed) == 1 }

func (s *session) OnConnect(resultCode byte) {
	<-s.opened
	c := s.client
	c.log.Infof("connected with result code: %d", resultCode)
	c.metrics.ConnectResult(resultCode)

	trigger := TriggerTransportConnected
	if resultCode != ResultOK {
		switch c.config.Policy() {
		case device_config.ResultCodeAdvance:
			c.log.Errorf("connect result code=%d ignored by result_code_policy=%s", resultCode, device_config.ResultCodeAdvance)
		default:
			trigger = TriggerTransportRejected
		}
	}
	s.fire(trigger)
}

func (s *session) OnDisconnect(resultCode byte) {
	<-s.opened
	s.client.log.Infof("disconnected with result code: %d", resultCode)
	s.fire(TriggerTransportDisconnected, TriggerConnectionLost)
}

func (s *session) OnMessage(topic string, payload []byte) {
	if !s.messagesRouted() {
		s.client.log.Debugf("message without router topic=%s dropped", topic)
		return
	}
	s.client.router.route(topic, payload)
}

func (s *session) OnPublishAck(id uint16) {
	s.client.log.Infof("payload published id=%d", id)
	s.client.metrics.IncPublishAck()
}

func (s *session) fire(triggers ...Trigger) {
	if _, err := s.client.fire(s, triggers...); err != nil {
		s.client.log.Debugf("transport event ignored err=%v", err)
	}
}
