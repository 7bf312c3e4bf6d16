// Package device is telemetry hub client, device side.
//
// Client contract:
// - Connect/Disconnect switch state and issue transport work, they do not wait for network
// - stable state is announced later via connection state observer
// - Send is only allowed in connected state, publish acknowledgement is not awaited
// - no reconnect, no offline queue
// - Connect, Disconnect and Send must not be called concurrently with each other,
//   transport callbacks may run concurrently with them
package device

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	device_config "github.com/temoto/hubdevice/device/config"
	"github.com/temoto/hubdevice/internal/metrics"
	"github.com/temoto/hubdevice/log2"
	"github.com/temoto/hubdevice/sas"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrInvalidTransition = errors.New("invalid state transition")

	errStaleSession = errors.New("stale session")
)

type Options struct {
	Config    device_config.Config
	Log       *log2.Log
	Transport TransportFactory
	Metrics   *metrics.Device  // optional
	Clock     func() time.Time // optional, token issue time
}

type Client struct { //nolint:maligned
	mu      sync.Mutex
	state   State
	session *session      // exists from entering connecting until disconnected
	changed chan struct{} // closed on every transition

	cs           *sas.ConnectionString
	config       device_config.Config
	log          *log2.Log
	metrics      *metrics.Device
	newTransport TransportFactory
	router       router
	tokens       sas.TokenGenerator

	observers struct {
		sync.RWMutex
		onState   func(state string)
		onMessage func(payload []byte)
	}
}

func New(opt Options) (*Client, error) {
	if opt.Transport == nil {
		return nil, errors.NotValidf("code error device.Options.Transport=nil")
	}
	cs, err := sas.Parse(opt.Config.ConnectionString)
	if err != nil {
		return nil, err
	}
	if !cs.IsDevice() {
		return nil, errors.Annotate(sas.ErrInvalidConnectionString, "device client requires DeviceId")
	}
	if err = opt.Config.Validate(); err != nil {
		return nil, errors.Annotate(err, "device config")
	}

	c := &Client{
		state:        StateDisconnected,
		changed:      make(chan struct{}),
		cs:           cs,
		config:       opt.Config,
		log:          opt.Log,
		metrics:      opt.Metrics,
		newTransport: opt.Transport,
		tokens: sas.TokenGenerator{
			TTL:  opt.Config.TokenTTL(),
			Skew: opt.Config.TokenSkew(),
			Now:  opt.Clock,
		},
	}
	c.router.client = c
	if c.config.LogDebug {
		c.log.SetLevel(log2.LDebug)
	}
	return c, nil
}

// FromConnectionString creates client with default config.
func FromConnectionString(log *log2.Log, connectionString string, factory TransportFactory) (*Client, error) {
	return New(Options{
		Config:    device_config.Config{ConnectionString: connectionString},
		Log:       log,
		Transport: factory,
	})
}

func (self *Client) DeviceID() string { return self.cs.DeviceID }

func (self *Client) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// SetConnectionStateHandler sets observer called with state name
// on entering connecting, connected and disconnected. nil removes observer.
func (self *Client) SetConnectionStateHandler(fn func(state string)) {
	self.observers.Lock()
	self.observers.onState = fn
	self.observers.Unlock()
}

// SetMessageHandler sets observer for inbound messages. nil removes observer.
// Subscription is made on entering connected only if observer is set at that moment.
func (self *Client) SetMessageHandler(fn func(payload []byte)) {
	self.observers.Lock()
	self.observers.onMessage = fn
	self.observers.Unlock()
}

func (self *Client) messageHandler() func([]byte) {
	self.observers.RLock()
	defer self.observers.RUnlock()
	return self.observers.onMessage
}

func (self *Client) Connect() error {
	self.log.Infof("connect device=%s", self.cs.DeviceID)
	_, err := self.fire(nil, TriggerConnect)
	return err
}

func (self *Client) Disconnect() error {
	self.log.Infof("disconnect device=%s", self.cs.DeviceID)
	_, err := self.fire(nil, TriggerDisconnect)
	return err
}

// Send publishes telemetry event. Delivery is acknowledged asynchronously.
func (self *Client) Send(payload []byte) error {
	self.mu.Lock()
	state, s := self.state, self.session
	self.mu.Unlock()
	if state != StateConnected {
		return errors.Annotatef(ErrNotConnected, "send state=%s", state.String())
	}

	topic := TopicEvents(self.cs.DeviceID)
	self.log.Debugf("send topic=%s payload=%x", topic, payload)
	if err := s.transport.Publish(topic, payload, device_config.Qos); err != nil {
		self.metrics.IncSendError()
		return errors.Annotate(err, "send")
	}
	self.metrics.IncSent()
	return nil
}

// WaitState blocks until client enters state or ctx is done.
func (self *Client) WaitState(ctx context.Context, want State) error {
	_, err := self.WaitAny(ctx, want)
	return err
}

// WaitStable blocks until client is connected or disconnected.
func (self *Client) WaitStable(ctx context.Context) (State, error) {
	return self.WaitAny(ctx, StateConnected, StateDisconnected)
}

// WaitAny blocks until client enters one of states and returns it.
func (self *Client) WaitAny(ctx context.Context, states ...State) (State, error) {
	for {
		self.mu.Lock()
		current, ch := self.state, self.changed
		self.mu.Unlock()
		for _, s := range states {
			if current == s {
				return current, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return current, errors.Annotatef(ctx.Err(), "wait state=%v current=%s", states, current.String())
		}
	}
}

// fire applies first trigger allowed from current state and runs entry action.
// Non-nil from restricts transition to events of that session.
func (self *Client) fire(from *session, triggers ...Trigger) (Transition, error) {
	self.mu.Lock()
	if from != nil && from != self.session {
		self.mu.Unlock()
		return Transition{}, errStaleSession
	}
	var tr Transition
	var err error
	for _, t := range triggers {
		if tr, err = Next(self.state, t); err == nil {
			break
		}
	}
	if err != nil {
		self.mu.Unlock()
		return tr, err
	}

	s := self.session
	switch tr.Action {
	case ActionOpenSession:
		s = newSession(self)
		self.session = s
	case ActionDropSession:
		self.session = nil
	}
	self.setStateLocked(tr.To)
	self.mu.Unlock()

	self.log.Debugf("state %s -> %s trigger=%s", tr.From.String(), tr.To.String(), tr.Trigger.String())
	self.metrics.Transition(tr.From.String(), tr.To.String(), int(tr.To))
	return tr, self.enter(tr, s)
}

// caller must hold self.mu
func (self *Client) setStateLocked(s State) {
	self.state = s
	close(self.changed)
	self.changed = make(chan struct{})
}

func (self *Client) enter(tr Transition, s *session) error {
	switch tr.Action {
	case ActionOpenSession:
		defer close(s.opened)
		if err := s.open(); err != nil {
			self.rollback(s)
			return errors.Annotate(err, "connect")
		}

	case ActionSessionReady:
		self.notify(tr.To)
		if self.messageHandler() != nil {
			topic := TopicCommands(self.cs.DeviceID)
			self.log.Infof("attaching message handler topic=%s", topic)
			s.routeMessages()
			if err := s.transport.Subscribe(topic, device_config.Qos); err != nil {
				err = errors.Annotatef(err, "subscribe topic=%s", topic)
				self.log.Error(err)
				return err
			}
		}
		return nil

	case ActionCloseSession:
		errs := make([]error, 0, 2)
		if err := s.transport.Disconnect(); err != nil {
			errs = append(errs, errors.Annotate(err, "transport disconnect"))
		}
		if err := s.transport.StopLoop(); err != nil {
			errs = append(errs, errors.Annotate(err, "transport stop"))
		}
		for _, err := range errs {
			self.log.Error(err)
		}
		if len(errs) != 0 {
			return errs[0]
		}
		return nil

	case ActionDropSession:
		if tr.Trigger != TriggerTransportDisconnected && s != nil && s.transport != nil {
			if err := s.transport.StopLoop(); err != nil {
				self.log.Errorf("transport stop after %s err=%v", tr.Trigger.String(), err)
			}
		}
	}
	self.notify(tr.To)
	return nil
}

// rollback returns to disconnected when session could not be opened.
// Observer is not notified, connecting was never announced.
func (self *Client) rollback(s *session) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.session != s {
		return
	}
	self.session = nil
	self.setStateLocked(StateDisconnected)
	self.metrics.Transition(StateConnecting.String(), StateDisconnected.String(), int(StateDisconnected))
}

func (self *Client) notify(s State) {
	if !s.notify() {
		return
	}
	self.observers.RLock()
	fn := self.observers.onState
	self.observers.RUnlock()
	if fn == nil {
		self.log.Debugf("connection state=%s no observer", s.String())
		return
	}
	fn(s.String())
}
