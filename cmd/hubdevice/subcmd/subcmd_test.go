package subcmd

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/hubdevice/device"
	device_config "github.com/temoto/hubdevice/device/config"
	"github.com/temoto/hubdevice/log2"
)

func TestParse(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *Env) error { return nil }
	modules := []Mod{{Name: "run", Main: noop}, {Name: "token", Usage: "print token", Main: noop}}

	m, err := Parse("token", modules)
	require.NoError(t, err)
	assert.Equal(t, "token", m.Name)
	_, err = Parse("", modules)
	assert.EqualError(t, err, "empty command")
	// juju errors carry creation location for ErrorStack in main
	assert.Contains(t, errors.ErrorStack(err), "subcmd.go")
	_, err = Parse("fly", modules)
	assert.EqualError(t, err, "unknown command='fly'")
	assert.Contains(t, Usage(modules), "token      print token")
}

func TestTransportFactory(t *testing.T) {
	t.Parallel()
	for _, name := range []string{device_config.TransportPaho, device_config.TransportGomqtt} {
		f, err := TransportFactory(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f)
	}
	_, err := TransportFactory("smoke")
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := &Env{
		Config: &device_config.Config{
			ConnectionString: "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=c2VjcmV0a2V5",
			Transport:        device_config.TransportGomqtt,
			MetricsListen:    "127.0.0.1:0",
		},
		Log: log2.NewStderr(log2.LDebug),
	}
	c, err := env.NewClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev1", c.DeviceID())
	assert.Equal(t, device.StateDisconnected, c.State())

	env.Config.ConnectionString = "HostName=hub.example.net"
	_, err = env.NewClient(ctx)
	assert.Error(t, err)
}
