package console

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/hubdevice/cmd/hubdevice/subcmd"
	"github.com/temoto/hubdevice/device"
	"github.com/temoto/hubdevice/helpers/cli"
)

const modName = "console"

var Mod = subcmd.Mod{
	Name:  modName,
	Usage: "interactive: lines are sent as telemetry, /connect /disconnect /state /wait",
	Main:  Main,
}

func Main(ctx context.Context, env *subcmd.Env) error {
	c, err := env.NewClient(ctx)
	if err != nil {
		return errors.Annotate(err, "client init")
	}
	c.SetConnectionStateHandler(func(state string) { fmt.Printf("connection state: %s\n", state) })
	c.SetMessageHandler(func(payload []byte) { fmt.Printf("message: %s\n", payload) })
	cli.NotifyStop(func(os.Signal) {
		_ = c.Disconnect()
		os.Exit(1)
	})

	if err = c.Connect(); err != nil {
		return err
	}
	return cli.MainLoop(modName, newExecutor(env, c), newCompleter())
}

var suggests = []prompt.Suggest{
	{Text: "/connect", Description: "open new session"},
	{Text: "/disconnect", Description: "close session"},
	{Text: "/state", Description: "print connection state"},
	{Text: "/wait", Description: "wait for connected or disconnected"},
}

func newCompleter() prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		w := d.GetWordBeforeCursor()
		if !strings.HasPrefix(w, "/") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, w, true)
	}
}

func newExecutor(env *subcmd.Env, c *device.Client) func(string) {
	log := env.Log
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		var err error
		switch line {
		case "/connect":
			err = c.Connect()
		case "/disconnect":
			err = c.Disconnect()
		case "/state":
			fmt.Printf("state: %s\n", c.State().String())
		case "/wait":
			err = wait(env, c)
		default:
			err = c.Send([]byte(line))
		}
		if err != nil {
			log.Error(err)
		}
	}
}

func wait(env *subcmd.Env, c *device.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), env.Config.NetworkTimeout())
	defer cancel()
	if c.State() == device.StateConnected {
		return nil
	}
	_, err := c.WaitStable(ctx)
	fmt.Printf("state: %s\n", c.State().String())
	return err
}

