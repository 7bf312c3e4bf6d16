// Package run is long running device: telemetry from stdin lines, inbound messages to stdout.
package run

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/hubdevice/cmd/hubdevice/subcmd"
	"github.com/temoto/hubdevice/device"
	"github.com/temoto/hubdevice/helpers/cli"
)

const DefaultHelloPayload = "hello"

var Mod = subcmd.Mod{
	Name:  "run",
	Usage: "connect, send each stdin line as telemetry, print inbound messages",
	Main:  Main,
}

var ErrConnectionLost = errors.New("connection lost")

func Main(ctx context.Context, env *subcmd.Env) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := env.Log

	c, err := env.NewClient(ctx)
	if err != nil {
		return errors.Annotate(err, "client init")
	}

	a := alive.NewAlive()
	cli.NotifyStop(func(s os.Signal) {
		log.Infof("signal=%v stopping", s)
		a.Stop()
	})
	stopch := a.StopChan()

	states := make(chan string, 16)
	c.SetConnectionStateHandler(func(state string) {
		log.Infof("connection state=%s", state)
		select {
		case states <- state:
		default:
			log.Errorf("state=%s not processed, queue full", state)
		}
	})
	c.SetMessageHandler(func(payload []byte) {
		fmt.Printf("%s\n", payload)
	})

	lines := make(chan string)
	go func() {
		err := cli.ReadLines(os.Stdin, func(line string) {
			select {
			case lines <- line:
			case <-stopch:
			}
		})
		if err != nil {
			log.Error(err)
		}
		log.Debugf("stdin closed")
	}()

	if err = c.Connect(); err != nil {
		return err
	}

	hello := env.Config.HelloPayload
	if hello == "" {
		hello = DefaultHelloPayload
	}
loop:
	for {
		select {
		case state := <-states:
			switch state {
			case device.StateConnected.String():
				subcmd.SdNotify(log, daemon.SdNotifyReady)
				if err := c.Send([]byte(hello)); err != nil {
					log.Error(errors.Annotate(err, "hello"))
				}
			case device.StateDisconnected.String():
				// no reconnect, supervisor restarts process
				return ErrConnectionLost
			}

		case line := <-lines:
			if err := c.Send([]byte(line)); err != nil {
				log.Error(err)
			}

		case <-stopch:
			break loop
		}
	}

	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	return shutdown(ctx, env, c)
}

func shutdown(ctx context.Context, env *subcmd.Env, c *device.Client) error {
	ctx, cancel := context.WithTimeout(ctx, env.Config.NetworkTimeout())
	defer cancel()
	state, err := c.WaitStable(ctx)
	if err != nil {
		return errors.Annotate(err, "shutdown")
	}
	if state != device.StateConnected {
		return nil
	}
	if err := c.Disconnect(); err != nil {
		return err
	}
	return errors.Annotate(c.WaitState(ctx, device.StateDisconnected), "shutdown")
}
