// Command hostlink supervises a fleet of field devices: it keeps a session
// per configured device, persists telemetry and republishes it upstream.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/openiot/hostlink/config"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/session"
	"github.com/openiot/hostlink/storage"
	"github.com/openiot/hostlink/uplink"
)

func main() {
	flagConfig := flag.String("config", "hostlink.hcl", "config file path")
	flagDebug := flag.Bool("log-debug", false, "debug logging")
	flag.Parse()

	level := log2.LInfo
	if *flagDebug {
		level = log2.LDebug
	}
	l := log2.NewStderr(level)
	l.SetFlags(log2.LServiceFlags)

	cfg, err := config.ReadFile(l, *flagConfig)
	if err != nil {
		l.Fatal(errors.ErrorStack(err))
	}

	store, err := storage.OpenSQLite(l, cfg.SQLitePath())
	if err != nil {
		l.Fatal(errors.ErrorStack(err))
	}
	defer store.Close()

	var up *uplink.Uplink
	if cfg.Uplink.Enable {
		if up, err = uplink.New(cfg.UplinkConfig(l), nil); err != nil {
			l.Fatal(errors.ErrorStack(err))
		}
	}

	sessions := make([]*session.Session, 0, len(cfg.Devices))
	storeDone := make(chan struct{}, len(cfg.Devices))
	for _, d := range cfg.Devices {
		slog := l.Clone(level)
		slog.SetPrefix(d.Name + " ")
		s, err := session.New(cfg.SessionOptions(slog, d))
		if err != nil {
			l.Fatal(errors.ErrorStack(err))
		}

		sub := s.Subscribe(0)
		go func() {
			defer func() { storeDone <- struct{}{} }()
			storeWorker(l, store, sub)
		}()
		if up != nil {
			up.Attach(s.Subscribe(0).Chan())
		}

		if err = s.Connect(); err != nil {
			l.Fatal(errors.ErrorStack(err))
		}
		l.Infof("device=%s id=%08x endpoint=%s started", d.Name, uint32(d.ID), d.Endpoint)
		sessions = append(sessions, s)
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	l.Infof("signal=%v stopping", sig)

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			l.Errorf("session close err=%v", err)
		}
	}
	for range sessions {
		<-storeDone
	}
	if up != nil {
		up.Close()
	}
	l.Infof("goodbye")
}

// storeWorker drains one subscription into storage until the session closes.
func storeWorker(l *log2.Log, store storage.Storer, sub *session.Subscription) {
	for ev := range sub.Chan() {
		if ev.Telemetry == nil {
			continue
		}
		if err := store.StoreTelemetry(ev.Telemetry); err != nil {
			l.Errorf("store telemetry err=%v", err)
		}
	}
	if n := sub.Dropped(); n > 0 {
		l.Errorf("storage subscriber dropped=%d events", n)
	}
}
