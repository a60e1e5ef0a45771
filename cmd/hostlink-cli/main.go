// Command hostlink-cli is an interactive operator console for a single
// device: issue commands, watch telemetry, inspect counters.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/openiot/hostlink/helpers/cli"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
	"github.com/openiot/hostlink/session"
	"github.com/openiot/hostlink/storage"
)

const usage = `commands:
- send ACTION [VALUE]   issue a command, print the response
- watch [N]             print next N telemetry/connectivity events (default 10)
- state                 print connection state
- stat                  print session and link counters
- log=yes | log=no      toggle debug logging
- help                  this text
`

var log = log2.NewStderr(log2.LInfo)

type console struct {
	sess  *session.Session
	store storage.Storer
	devID uint32
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	endpoint := cmdline.String("endpoint", "tcp://127.0.0.1:9000", "device endpoint tcp:// or tls://")
	deviceID := cmdline.Uint("device", 1, "device id")
	timeoutSec := cmdline.Int("timeout", 5, "command timeout, seconds")
	dbPath := cmdline.String("db", "", "optional sqlite path for command audit")
	logDebug := cmdline.Bool("log-debug", false, "")
	cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)
	if *logDebug {
		log.SetLevel(log2.LDebug)
	}

	c := &console{devID: uint32(*deviceID)}
	var err error
	if *dbPath != "" {
		if c.store, err = storage.OpenSQLite(log, *dbPath); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}

	c.sess, err = session.New(&session.Options{
		Log:            log,
		Endpoint:       *endpoint,
		DeviceID:       c.devID,
		CommandTimeout: time.Duration(*timeoutSec) * time.Second,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if err = c.sess.Connect(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("endpoint=%s device=%08x connecting in background, 'help' for commands", *endpoint, c.devID)

	cli.MainLoop(c.execute, completer, c.cleanup)
}

func (c *console) cleanup() {
	_ = c.sess.Close()
	if c.store != nil {
		_ = c.store.Close()
	}
}

func (c *console) execute(line string) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	switch words[0] {
	case "help":
		fmt.Print(usage)

	case "log=yes":
		log.SetLevel(log2.LDebug)
	case "log=no":
		log.SetLevel(log2.LError)

	case "state":
		fmt.Println(c.sess.ConnectionState().String())

	case "stat":
		fmt.Printf("session=%s link=%s\n", c.sess.Stat().String(), c.sess.LinkStat().String())

	case "send":
		c.send(words[1:])

	case "watch":
		n := 10
		if len(words) > 1 {
			var err error
			if n, err = strconv.Atoi(words[1]); err != nil || n <= 0 {
				log.Errorf("watch: bad count %q", words[1])
				return
			}
		}
		c.watch(n)

	default:
		log.Errorf("unknown command %q, try 'help'", words[0])
	}
}

func (c *console) send(args []string) {
	if len(args) == 0 {
		log.Errorf("send: need ACTION [VALUE]")
		return
	}
	payload := &proto.CommandPayload{Action: args[0]}
	if len(args) > 1 {
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			log.Errorf("send: bad value %q", args[1])
			return
		}
		payload.Value = v
	}

	var audit *storage.CommandAudit
	if c.store != nil {
		audit = storage.NewCommandAudit(c.devID, payload.Action, payload.Value)
	}
	resp, err := c.sess.SendCommand(context.Background(), payload, 0)
	if err != nil {
		log.Errorf("send: %v", err)
		if audit != nil {
			c.auditDone(audit, err.Error())
		}
		return
	}
	fmt.Printf("status=%s detail=%s\n", resp.Status, resp.Detail)
	if audit != nil {
		c.auditDone(audit, resp.Status)
	}
}

func (c *console) auditDone(a *storage.CommandAudit, status string) {
	if err := c.store.StoreCommandAudit(a.Done(status)); err != nil {
		log.Errorf("audit: %v", err)
	}
}

func (c *console) watch(n int) {
	sub := c.sess.Subscribe(0)
	defer sub.Close()
	deadline := time.After(time.Minute)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-sub.Chan():
			switch {
			case !ok:
				return
			case ev.Telemetry != nil:
				fmt.Println(ev.Telemetry.String())
			case ev.State != nil:
				fmt.Printf("link %s -> %s\n", ev.State.Old, ev.State.New)
			}
		case <-deadline:
			fmt.Println("watch: no more events within a minute")
			return
		}
	}
}

func completer(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "send", Description: "send ACTION [VALUE]"},
		{Text: "watch", Description: "print next N events"},
		{Text: "state", Description: "connection state"},
		{Text: "stat", Description: "counters"},
		{Text: "log=yes", Description: "debug logging on"},
		{Text: "log=no", Description: "debug logging off"},
		{Text: "help", Description: "usage"},
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}
