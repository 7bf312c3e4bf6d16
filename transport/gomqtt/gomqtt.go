// Package gomqtt is device.Transport over 256dpi/gomqtt packet codec.
// - single connection per Transport, no reconnect
// - persistent session (CleanSession from options)
// - QOS 0,1
// - no in-flight storage, unacknowledged PUBLISH is lost with connection
package gomqtt

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/hubdevice/device"
	"github.com/temoto/hubdevice/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

var ErrClosing = errors.New("MQTT transport is closing")

type Transport struct { //nolint:maligned
	alive     *alive.Alive
	brokerURL string
	closed    uint32
	conn      atomic.Value // transport.Conn
	conpkt    *packet.Connect
	dialer    *transport.Dialer
	lastID    uint32
	log       *log2.Log
	opt       device.TransportOptions
	pingat    *atomic_clock.Clock // last outgoing packet
	pongat    *atomic_clock.Clock // last incoming PINGRESP
	reported  uint32              // OnDisconnect delivered
	requested uint32              // Disconnect was called

	inflight struct {
		sync.Mutex
		m map[packet.ID]*future.Future
	}
}

var _ device.Transport = &Transport{}

// New is device.TransportFactory.
func New(opt device.TransportOptions) (device.Transport, error) {
	if opt.Handler == nil {
		return nil, errors.NotValidf("code error gomqtt TransportOptions.Handler=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	self := &Transport{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		log:    opt.Log,
		opt:    opt,
		pingat: atomic_clock.Now(),
		pongat: atomic_clock.Now(),
	}
	self.inflight.m = make(map[packet.ID]*future.Future)
	self.conpkt = packet.NewConnect()
	self.conpkt.ClientID = opt.ClientID
	self.conpkt.KeepAlive = uint16(opt.Keepalive / time.Second)
	self.conpkt.CleanSession = opt.CleanSession
	self.conpkt.Username = opt.Username
	self.conpkt.Password = opt.Password
	self.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})
	return self, nil
}

func BrokerURL(host string, port int, secure bool) string {
	scheme := "tcp"
	if secure {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// Connect only remembers broker address, network IO is done by StartLoop goroutines.
func (self *Transport) Connect(host string, port int) error {
	if self.brokerURL != "" {
		return errors.Errorf("code error gomqtt Connect called twice")
	}
	self.brokerURL = BrokerURL(host, port, self.opt.TLS != nil)
	return nil
}

func (self *Transport) Disconnect() error {
	atomic.StoreUint32(&self.requested, 1)
	if self.getConn() == nil {
		return client.ErrClientNotConnected
	}
	err := self.send(packet.NewDisconnect())
	_ = self.die(nil)
	return err
}

func (self *Transport) Publish(topic string, payload []byte, qos byte) error {
	if qos > 1 {
		return errors.NotSupportedf("qos=%d", qos)
	}
	if self.getConn() == nil {
		return client.ErrClientNotConnected
	}
	publish := packet.NewPublish()
	publish.Message = packet.Message{Topic: topic, Payload: payload, QOS: packet.QOS(qos)}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		if !self.alive.Add(1) {
			return ErrClosing
		}
		publish.ID = self.nextID()
		fu := future.New()
		self.inflight.Lock()
		self.inflight.m[publish.ID] = fu
		self.inflight.Unlock()
		go self.awaitAck(publish.ID, fu)
	}
	return errors.Annotate(self.send(publish), "send PUBLISH")
}

func (self *Transport) Subscribe(topic string, qos byte) error {
	if self.getConn() == nil {
		return client.ErrClientNotConnected
	}
	subpkt := &packet.Subscribe{
		ID:            self.nextID(),
		Subscriptions: []packet.Subscription{{Topic: topic, QOS: packet.QOS(qos)}},
	}
	return errors.Annotate(self.send(subpkt), "send SUBSCRIBE")
}

func (self *Transport) StartLoop() error {
	if self.brokerURL == "" {
		return errors.Errorf("code error gomqtt StartLoop before Connect")
	}
	if !self.alive.Add(1) {
		return ErrClosing
	}
	go self.connect()
	return nil
}

// StopLoop does not wait for goroutines, safe to call from Handler callback.
func (self *Transport) StopLoop() error {
	_ = self.die(ErrClosing)
	self.alive.Stop()
	return nil
}

// WaitStopped blocks until all transport goroutines exit or timeout.
func (self *Transport) WaitStopped(timeout time.Duration) bool {
	select {
	case <-self.alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (self *Transport) connect() {
	defer self.alive.Done()

	conn, err := self.dialer.Dial(self.brokerURL)
	if err != nil {
		_ = self.die(errors.Annotatef(err, "connect: dial broker=%s", self.brokerURL))
		return
	}
	self.conn.Store(conn)
	if atomic.LoadUint32(&self.closed) == 1 {
		_ = conn.Close()
		return
	}
	if err = self.send(self.conpkt); err != nil {
		return
	}

	conn.SetReadTimeout(self.opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		_ = self.die(errors.Annotate(err, "connect: expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = self.die(errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt)))
		return
	}
	self.log.Debugf("CONNACK=%s", connack.String())
	conn.SetReadTimeout(0)
	self.pongat.SetNow()
	if connack.ReturnCode != packet.ConnectionAccepted {
		self.opt.Handler.OnConnect(byte(connack.ReturnCode))
		_ = self.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}

	if !self.alive.Add(2) {
		_ = self.die(ErrClosing)
		return
	}
	go self.pinger()
	go self.reader()
	self.opt.Handler.OnConnect(device.ResultOK)
}

// die closes connection once and reports OnDisconnect.
// Result code is 0 for requested disconnect, ResultNetworkError otherwise.
func (self *Transport) die(e error) error {
	if e == nil {
		e = ErrClosing
	}
	if !atomic.CompareAndSwapUint32(&self.closed, 0, 1) {
		return e
	}
	if conn := self.getConn(); conn != nil {
		_ = conn.Close()
	}
	self.inflight.Lock()
	for id, fu := range self.inflight.m {
		fu.Cancel(e)
		delete(self.inflight.m, id)
	}
	self.inflight.Unlock()

	code := device.ResultOK
	if e != ErrClosing && atomic.LoadUint32(&self.requested) == 0 {
		self.log.Errorf("gomqtt connection err=%v", e)
		code = device.ResultNetworkError
	}
	go self.reportDisconnect(code)
	return e
}

func (self *Transport) reportDisconnect(code byte) {
	if atomic.CompareAndSwapUint32(&self.reported, 0, 1) {
		self.opt.Handler.OnDisconnect(code)
	}
}

func (self *Transport) getConn() transport.Conn {
	if x := self.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (self *Transport) nextID() packet.ID {
	u32 := atomic.AddUint32(&self.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		return self.nextID()
	}
	return id
}

func (self *Transport) send(p packet.Generic) error {
	conn := self.getConn()
	if conn == nil || atomic.LoadUint32(&self.closed) == 1 {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return self.die(err)
	}
	self.pingat.SetNow()
	self.log.Debugf("sent %s", PacketString(p))
	return nil
}

func (self *Transport) awaitAck(id packet.ID, fu *future.Future) {
	defer self.alive.Done()
	switch err := fu.Wait(self.opt.NetworkTimeout); err {
	case nil:
		self.opt.Handler.OnPublishAck(uint16(id))
	case future.ErrTimeout:
		_ = self.die(errors.Timeoutf("PUBACK id=%d", id))
	case future.ErrCanceled:
		self.log.Debugf("PUBLISH id=%d unacknowledged err=%v", id, fu.Result())
	}
}

func (self *Transport) onPuback(id packet.ID) {
	self.inflight.Lock()
	fu, ok := self.inflight.m[id]
	delete(self.inflight.m, id)
	self.inflight.Unlock()
	if !ok {
		self.log.Errorf("unexpected PUBACK id=%d", id)
		return
	}
	fu.Complete(id)
}

func (self *Transport) onPublish(publish *packet.Publish) {
	switch publish.Message.QOS {
	case packet.QOSAtMostOnce, packet.QOSAtLeastOnce:
		self.opt.Handler.OnMessage(publish.Message.Topic, publish.Message.Payload)
	default:
		_ = self.die(errors.NotSupportedf("PUBLISH qos=%d", publish.Message.QOS))
		return
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = self.send(puback)
	}
}

func (self *Transport) onSuback(suback *packet.Suback) {
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			self.log.Errorf("SUBACK id=%d %v", suback.ID, client.ErrFailedSubscription)
			return
		}
	}
	self.log.Debugf("subscribed id=%d", suback.ID)
}

// Sends PINGREQ as late as possible within keepalive window.
func (self *Transport) pinger() {
	defer self.alive.Done()
	if self.conpkt.KeepAlive == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most KeepAlive*1.5 apart
	keepalive := keepaliveAndHalf(self.conpkt.KeepAlive)
	interval := keepalive - self.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := self.alive.StopChan()
	for self.alive.IsRunning() && atomic.LoadUint32(&self.closed) == 0 {
		now := atomic_clock.Now()
		window := now.Sub(self.pingat)
		sincePong := now.Sub(self.pongat)
		if sincePong > keepalive {
			_ = self.die(client.ErrClientMissingPong)
			return
		}
		if window >= interval {
			if err := self.send(packet.NewPingreq()); err != nil {
				return
			}
			window = 0
		}
		select {
		case <-time.After(interval - window):
		case <-stopch:
			return
		}
	}
}

func (self *Transport) reader() {
	defer self.alive.Done()

	conn := self.getConn()
	for {
		pkt, err := conn.Receive()
		if atomic.LoadUint32(&self.closed) == 1 {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF:
			_ = self.die(errors.Errorf("server closed connection"))
			return

		default:
			_ = self.die(errors.Annotate(err, "receive"))
			return
		}
		self.log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = self.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return
		case *packet.Pingresp:
			self.pongat.SetNow()
		case *packet.Suback:
			self.onSuback(pt)
		case *packet.Puback:
			self.onPuback(pt.ID)
		case *packet.Publish:
			self.onPublish(pt)
		default:
			self.log.Debugf("unexpected packet %s", PacketString(pkt))
		}
	}
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
