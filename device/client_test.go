package device

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	device_config "github.com/temoto/hubdevice/device/config"
	"github.com/temoto/hubdevice/helpers"
	"github.com/temoto/hubdevice/internal/metrics"
	"github.com/temoto/hubdevice/log2"
	"github.com/temoto/hubdevice/sas"
)

const (
	testKey              = "c2VjcmV0a2V5"
	testConnectionString = "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=" + testKey
	testTopicEvents      = "devices/dev1/messages/events/"
	testTopicCommands    = "devices/dev1/messages/devicebound/#"
)

var testNow = time.Unix(1700000000, 0)

type tenv struct {
	sync.Mutex
	t        testing.TB
	c        *Client
	mocks    []*transportMock
	notified []string
	received [][]byte
	metrics  *metrics.Device
	mockInit func(*transportMock)
}

func newTestEnv(t testing.TB, config device_config.Config) *tenv {
	env := &tenv{t: t, metrics: metrics.NewDevice("dev1")}
	if config.ConnectionString == "" {
		config.ConnectionString = testConnectionString
	}
	c, err := New(Options{
		Config:    config,
		Log:       log2.NewTest(t, log2.LDebug),
		Transport: env.factory,
		Metrics:   env.metrics,
		Clock:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	c.SetConnectionStateHandler(func(s string) {
		env.Lock()
		env.notified = append(env.notified, s)
		env.Unlock()
	})
	env.c = c
	return env
}

func (env *tenv) factory(opt TransportOptions) (Transport, error) {
	m := &transportMock{t: env.t, opt: opt}
	if env.mockInit != nil {
		env.mockInit(m)
	}
	env.Lock()
	env.mocks = append(env.mocks, m)
	env.Unlock()
	return m, nil
}

func (env *tenv) last() *transportMock {
	env.Lock()
	defer env.Unlock()
	if len(env.mocks) == 0 {
		return nil
	}
	return env.mocks[len(env.mocks)-1]
}

func (env *tenv) Notified() []string {
	env.Lock()
	defer env.Unlock()
	return append([]string(nil), env.notified...)
}

func (env *tenv) handleMessages() {
	env.c.SetMessageHandler(func(b []byte) {
		env.Lock()
		env.received = append(env.received, b)
		env.Unlock()
	})
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, device_config.Config{})
	env.handleMessages()
	c := env.c
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect())
	assert.Equal(t, StateConnecting, c.State())
	m := env.last()
	require.NotNil(t, m)
	assert.Equal(t, []string{"connect hub.example.net:8883", "start"}, m.Calls())
	assert.Equal(t, []string{"connecting"}, env.Notified())

	assert.Equal(t, "dev1", m.opt.ClientID)
	assert.Equal(t, "hub.example.net/dev1", m.opt.Username)
	assert.False(t, m.opt.CleanSession)
	require.NotNil(t, m.opt.TLS)
	assert.False(t, m.opt.TLS.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), m.opt.TLS.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS12), m.opt.TLS.MaxVersion)
	assert.Equal(t, "hub.example.net", m.opt.TLS.ServerName)
	token, err := sas.ParseToken(m.opt.Password)
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net/devices/dev1", token.Resource)
	assert.Equal(t, testNow.Unix()+3600, token.Expiry)
	assert.NoError(t, token.Verify(testKey))

	m.connected(0)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []string{"connecting", "connected"}, env.Notified())
	assert.Equal(t, []string{testTopicCommands}, m.subscribed)

	require.NoError(t, c.Send([]byte("foo")))
	require.Len(t, m.published, 1)
	assert.Equal(t, mockPublish{topic: testTopicEvents, payload: []byte("foo"), qos: 1}, m.published[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Sent))

	m.message("devices/dev1/messages/devicebound/%24.mid=1", []byte{0x00, 0xff})
	assert.Equal(t, [][]byte{{0x00, 0xff}}, env.received)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnecting, c.State())
	calls := m.Calls()
	assert.Equal(t, []string{"disconnect", "stop"}, calls[len(calls)-2:])
	assert.Equal(t, []string{"connecting", "connected"}, env.Notified())

	m.disconnected(0)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, env.Notified())

	// fresh transport and token on every connect
	require.NoError(t, c.Connect())
	require.Len(t, env.mocks, 2)
	assert.NotSame(t, m, env.last())
	assert.Equal(t, float64(int(StateConnecting)), testutil.ToFloat64(env.metrics.State))
}

func TestInvalidTransition(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, device_config.Config{})
	c := env.c

	assert.ErrorIs(t, c.Disconnect(), ErrInvalidTransition)
	require.NoError(t, c.Connect())
	assert.ErrorIs(t, c.Connect(), ErrInvalidTransition)
	assert.ErrorIs(t, c.Disconnect(), ErrInvalidTransition)
	assert.Equal(t, StateConnecting, c.State())
	assert.Len(t, env.mocks, 1)

	env.last().connected(0)
	assert.ErrorIs(t, c.Connect(), ErrInvalidTransition)
	assert.Equal(t, StateConnected, c.State())
	assert.Len(t, env.mocks, 1)

	require.NoError(t, c.Disconnect())
	assert.ErrorIs(t, c.Connect(), ErrInvalidTransition)
	assert.ErrorIs(t, c.Disconnect(), ErrInvalidTransition)
	assert.Equal(t, StateDisconnecting, c.State())
}

func TestSendNotConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, device_config.Config{})
	c := env.c

	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected) // disconnected
	require.NoError(t, c.Connect())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected) // connecting
	m := env.last()
	m.connected(0)
	require.NoError(t, c.Disconnect())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected) // disconnecting
	assert.Empty(t, m.published)

	// no observer for messages, no subscription
	assert.Empty(t, m.subscribed)
}

func TestSendTransportError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, device_config.Config{})
	env.mockInit = func(m *transportMock) { m.publishErr = fmt.Errorf("queue full") }
	require.NoError(t, env.c.Connect())
	env.last().connected(0)
	err := env.c.Send([]byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.SendErrors))
}

func TestResultCodePolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		policy      device_config.ResultCodePolicy
		expect      State
		expectNotes []string
	}{
		{"", StateDisconnected, []string{"connecting", "disconnected"}},
		{device_config.ResultCodeStrict, StateDisconnected, []string{"connecting", "disconnected"}},
		{device_config.ResultCodeAdvance, StateConnected, []string{"connecting", "connected"}},
	}
	for _, c := range cases {
		c := c
		t.Run(string(c.policy), func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, device_config.Config{ResultCodePolicy: string(c.policy)})
			require.NoError(t, env.c.Connect())
			m := env.last()
			m.connected(5) // not authorized
			assert.Equal(t, c.expect, env.c.State())
			assert.Equal(t, c.expectNotes, env.Notified())
			assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ConnectResults.WithLabelValues("5")))
			if c.expect == StateDisconnected {
				assert.Contains(t, m.Calls(), "stop")
				// late event of dropped session is ignored
				m.connected(0)
				assert.Equal(t, StateDisconnected, env.c.State())
			}
		})
	}
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, device_config.Config{})
	c := env.c
	require.NoError(t, c.Connect())
	old := env.last()
	old.connected(0)

	old.disconnected(7)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, "stop", old.Calls()[len(old.Calls())-1])
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, env.Notified())

	require.NoError(t, c.Connect())
	old.connected(0)
	old.disconnected(0)
	assert.Equal(t, StateConnecting, c.State())
	env.last().connected(0)
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		config   device_config.Config
		mockInit func(*transportMock)
		expect   string
		mocks    int
	}{
		{name: "bad-key",
			config: device_config.Config{ConnectionString: "HostName=h;DeviceId=d;SharedAccessKey=key"},
			expect: "base64"},
		{name: "ca-missing",
			config: device_config.Config{CaFile: "/nonexistent/ca.pem"},
			expect: "TLS CA"},
		{name: "transport-connect",
			mockInit: func(m *transportMock) { m.connectErr = fmt.Errorf("no route") },
			expect:   "no route",
			mocks:    1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, c.config)
			env.mockInit = c.mockInit
			err := env.c.Connect()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expect)
			assert.Equal(t, StateDisconnected, env.c.State())
			assert.Len(t, env.mocks, c.mocks)
			assert.Empty(t, env.Notified())
			if c.mocks > 0 {
				// transport is not used after failed open
				env.last().connected(0)
				assert.Equal(t, StateDisconnected, env.c.State())
			}
		})
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, device_config.Config{})
	c := env.c
	require.NoError(t, c.Connect())
	m := env.last()
	m.connected(0)
	assert.Empty(t, m.subscribed)

	// observer added after connected: router was not attached in this session
	env.handleMessages()
	m.message(testTopicCommands, []byte("early"))
	assert.Empty(t, env.received)

	require.NoError(t, c.Disconnect())
	m.disconnected(0)
	require.NoError(t, c.Connect())
	m = env.last()
	m.connected(0)
	assert.Equal(t, []string{testTopicCommands}, m.subscribed)
	m.message("devices/dev1/messages/devicebound/", []byte("payload"))
	assert.Equal(t, [][]byte{[]byte("payload")}, env.received)

	c.SetMessageHandler(nil)
	m.message("devices/dev1/messages/devicebound/", []byte("dropped"))
	assert.Len(t, env.received, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Received))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Dropped))
}

func TestWaitState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, device_config.Config{})
	c := env.c

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitState(ctx, StateDisconnected))

	done := make(chan error, 1)
	go func() { done <- c.WaitState(ctx, StateConnected) }()
	require.NoError(t, c.Connect())
	env.last().connected(0)
	require.NoError(t, <-done)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	err := c.WaitState(short, StateDisconnected)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitStable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		code   byte
		expect State
	}{
		{"accepted", 0, StateConnected},
		{"rejected", 5, StateDisconnected},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, device_config.Config{})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, env.c.Connect())

			type result struct {
				state State
				err   error
			}
			done := make(chan result, 1)
			go func() {
				s, err := env.c.WaitStable(ctx)
				done <- result{s, err}
			}()
			env.last().connected(c.code)
			r := <-done
			require.NoError(t, r.err)
			assert.Equal(t, c.expect, r.state)
		})
	}
}

func TestNewInvalid(t *testing.T) {
	t.Parallel()
	factory := func(TransportOptions) (Transport, error) { return nil, nil }

	_, err := FromConnectionString(nil, "HostName=h;SharedAccessKeyName=owner;SharedAccessKey=a2V5", factory)
	assert.ErrorIs(t, err, sas.ErrInvalidConnectionString)
	_, err = FromConnectionString(nil, "HostName=h;DeviceId=d", factory)
	assert.ErrorIs(t, err, sas.ErrInvalidConnectionString)
	_, err = FromConnectionString(nil, testConnectionString, nil)
	assert.Error(t, err)
	_, err = New(Options{
		Config:    device_config.Config{ConnectionString: testConnectionString, Transport: "carrier-pigeon"},
		Transport: factory,
	})
	assert.Error(t, err)

	c, err := FromConnectionString(nil, testConnectionString, factory)
	require.NoError(t, err)
	assert.Equal(t, "dev1", c.DeviceID())
}

// Replay random trigger sequences against pure transition table.
func TestReplay(t *testing.T) {
	t.Parallel()
	rnd, seed := helpers.RandUnix()
	t.Logf("seed=%d", seed)

	for round := 0; round < 50; round++ {
		env := newTestEnv(t, device_config.Config{})
		env.c.log = nil
		model := StateDisconnected
		expectNotes := []string{}
		apply := func(ts ...Trigger) bool {
			for _, tr := range ts {
				if next, err := Next(model, tr); err == nil {
					model = next.To
					if model.notify() {
						expectNotes = append(expectNotes, model.String())
					}
					return true
				}
			}
			return false
		}

		for step := 0; step < 30; step++ {
			switch op := rnd.Intn(4); op {
			case 0:
				err := env.c.Connect()
				assert.Equal(t, apply(TriggerConnect), err == nil, "connect err=%v", err)
			case 1:
				err := env.c.Disconnect()
				assert.Equal(t, apply(TriggerDisconnect), err == nil, "disconnect err=%v", err)
			case 2:
				if m := env.last(); m != nil {
					if model == StateConnecting {
						apply(TriggerTransportConnected)
					}
					m.connected(0)
				}
			case 3:
				if m := env.last(); m != nil {
					if model == StateConnecting || model == StateConnected || model == StateDisconnecting {
						apply(TriggerTransportDisconnected, TriggerConnectionLost)
					}
					m.disconnected(0)
				}
			}
			require.Equal(t, model, env.c.State(), "round=%d step=%d", round, step)
		}
		assert.Equal(t, expectNotes, env.Notified())
	}
}
