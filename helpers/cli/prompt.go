// Package cli feeds lines from terminal prompt or piped stdin to executor.
package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// NotifyStop calls fn once on first of SIGHUP, SIGINT, SIGTERM, SIGQUIT.
func NotifyStop(fn func(os.Signal)) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		unix.SIGHUP,
		unix.SIGINT,
		unix.SIGTERM,
		unix.SIGQUIT)
	go func() {
		s := <-signalCh
		signal.Stop(signalCh)
		fn(s)
	}()
}

func IsTerminal() bool { return isatty.IsTerminal(os.Stdin.Fd()) }

// MainLoop runs interactive prompt when stdin is a terminal,
// otherwise executes each non-empty stdin line until EOF.
func MainLoop(tag string, exec func(line string), complete prompt.Completer) error {
	if IsTerminal() {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return ReadLines(os.Stdin, exec)
}

// ReadLines calls fn for each trimmed non-empty line of r.
func ReadLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			fn(line)
		}
	}
	return errors.Annotate(scanner.Err(), "read lines")
}
