// Package token prints shared access signature for configured device.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubdevice/cmd/hubdevice/subcmd"
	"github.com/temoto/hubdevice/sas"
)

var Mod = subcmd.Mod{
	Name:  "token",
	Usage: "print SAS token and its expiry, optional argument: ttl seconds",
	Main:  Main,
}

func Main(ctx context.Context, env *subcmd.Env) error {
	cs, err := sas.Parse(env.Config.ConnectionString)
	if err != nil {
		return err
	}
	gen := sas.TokenGenerator{
		TTL:  env.Config.TokenTTL(),
		Skew: env.Config.TokenSkew(),
	}
	if len(env.Args) > 0 {
		ttl, err := time.ParseDuration(env.Args[0] + "s")
		if err != nil || ttl <= 0 {
			return errors.NotValidf("ttl=%s", env.Args[0])
		}
		gen.TTL = ttl
	}
	expiry := gen.Expiry()
	token, err := gen.Generate(cs, expiry)
	if err != nil {
		return err
	}
	env.Log.Infof("resource=%s expiry=%s", cs.ResourceURI(), expiry.UTC().Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
