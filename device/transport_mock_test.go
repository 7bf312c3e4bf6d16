package device

import (
	"fmt"
	"sync"
	"testing"
)

type mockPublish struct {
	topic   string
	payload []byte
	qos     byte
}

type transportMock struct {
	sync.Mutex
	t          testing.TB
	opt        TransportOptions
	calls      []string
	published  []mockPublish
	subscribed []string
	connectErr error
	publishErr error
}

var _ Transport = &transportMock{}

func (self *transportMock) record(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	self.t.Logf("mock %s", s)
	self.Lock()
	self.calls = append(self.calls, s)
	self.Unlock()
}

func (self *transportMock) Calls() []string {
	self.Lock()
	defer self.Unlock()
	return append([]string(nil), self.calls...)
}

func (self *transportMock) Connect(host string, port int) error {
	self.record("connect %s:%d", host, port)
	return self.connectErr
}

func (self *transportMock) Disconnect() error {
	self.record("disconnect")
	return nil
}

func (self *transportMock) Publish(topic string, payload []byte, qos byte) error {
	self.record("publish %s qos=%d", topic, qos)
	if self.publishErr != nil {
		return self.publishErr
	}
	self.Lock()
	self.published = append(self.published, mockPublish{topic: topic, payload: payload, qos: qos})
	self.Unlock()
	return nil
}

func (self *transportMock) Subscribe(topic string, qos byte) error {
	self.record("subscribe %s qos=%d", topic, qos)
	self.Lock()
	self.subscribed = append(self.subscribed, topic)
	self.Unlock()
	return nil
}

func (self *transportMock) StartLoop() error {
	self.record("start")
	return nil
}

func (self *transportMock) StopLoop() error {
	self.record("stop")
	return nil
}

// test side of transport events
func (self *transportMock) connected(code byte) { self.opt.Handler.OnConnect(code) }
func (self *transportMock) disconnected(code byte) { self.opt.Handler.OnDisconnect(code) }
func (self *transportMock) message(topic string, payload []byte) {
	self.opt.Handler.OnMessage(topic, payload)
}
