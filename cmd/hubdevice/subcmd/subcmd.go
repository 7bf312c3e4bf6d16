// Support sub-commands in hubdevice application.
package subcmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/hubdevice/device"
	device_config "github.com/temoto/hubdevice/device/config"
	"github.com/temoto/hubdevice/internal/metrics"
	"github.com/temoto/hubdevice/log2"
	"github.com/temoto/hubdevice/sas"
	"github.com/temoto/hubdevice/transport/gomqtt"
	"github.com/temoto/hubdevice/transport/paho"
)

type Env struct {
	Args   []string
	Config *device_config.Config
	Log    *log2.Log
}

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *Env) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, errors.New("empty command")
	}
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			return m, nil
		}
	}
	return nil, errors.Errorf("unknown command='%s'", command)
}

func Usage(modules []Mod) string {
	var b strings.Builder
	for _, m := range modules {
		fmt.Fprintf(&b, "  %-10s %s\n", m.Name, m.Usage)
	}
	return b.String()
}

// SdNotify returns true when running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

func TransportFactory(name string) (device.TransportFactory, error) {
	switch name {
	case device_config.TransportPaho:
		return paho.New, nil
	case device_config.TransportGomqtt:
		return gomqtt.New, nil
	}
	return nil, errors.NotSupportedf("transport=%s", name)
}

// NewClient builds device client from Env config.
// Metrics are served in background until ctx is done when metrics_listen is set.
func (env *Env) NewClient(ctx context.Context) (*device.Client, error) {
	factory, err := TransportFactory(env.Config.TransportName())
	if err != nil {
		return nil, err
	}
	opt := device.Options{
		Config:    *env.Config,
		Log:       env.Log,
		Transport: factory,
	}
	var registry *prometheus.Registry
	if env.Config.MetricsListen != "" {
		cs, err := sas.Parse(env.Config.ConnectionString)
		if err != nil {
			return nil, err
		}
		opt.Metrics = metrics.NewDevice(cs.DeviceID)
		registry = prometheus.NewRegistry()
		if err = opt.Metrics.Register(registry); err != nil {
			return nil, errors.Annotate(err, "metrics register")
		}
	}
	c, err := device.New(opt)
	if err != nil {
		return nil, err
	}
	if registry != nil {
		env.serveMetrics(ctx, registry)
	}
	return c, nil
}

func (env *Env) serveMetrics(ctx context.Context, g prometheus.Gatherer) {
	srv := &http.Server{
		Addr:              env.Config.MetricsListen,
		Handler:           metrics.Handler(g),
		ReadHeaderTimeout: env.Config.NetworkTimeout(),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		env.Log.Infof("metrics listen=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			env.Log.Errorf("metrics listen=%s err=%v", srv.Addr, err)
		}
	}()
}
