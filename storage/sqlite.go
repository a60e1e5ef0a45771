package storage

import (
	"database/sql"
	"time"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
)

const schema = `
create table if not exists sensor_data (
	id integer primary key autoincrement,
	dev_id integer not null,
	field text not null,
	value real not null,
	device_time integer not null,
	server_time integer not null
);
create index if not exists sensor_data_dev on sensor_data (dev_id, field, device_time);
create table if not exists command_audit (
	id text primary key,
	dev_id integer not null,
	action text not null,
	value real not null,
	status text not null,
	sent_at integer not null,
	done_at integer not null
);
`

// SQLite persists telemetry and command audits in a single local file.
type SQLite struct {
	db  *sql.DB
	log *log2.Log
}

var _ Storer = (*SQLite)(nil)

func OpenSQLite(log *log2.Log, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.NotValidf("sqlite path empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Annotatef(err, "sqlite open path=%s", path)
	}
	// sqlite tolerates one writer; funnel everything through it
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "sqlite schema path=%s", path)
	}
	s := &SQLite{db: db, log: log}
	s.log.Debugf("storage: sqlite open path=%s", path)
	return s, nil
}

func (s *SQLite) StoreTelemetry(ev *proto.TelemetryEvent) error {
	_, err := s.db.Exec(
		`insert into sensor_data (dev_id, field, value, device_time, server_time) values (?, ?, ?, ?, ?)`,
		ev.DeviceID, ev.Field, ev.Value, ev.ObservedAt.UnixNano(), time.Now().UnixNano(),
	)
	return errors.Annotatef(err, "storage telemetry %s", ev.String())
}

func (s *SQLite) StoreCommandAudit(a *CommandAudit) error {
	_, err := s.db.Exec(
		`insert or replace into command_audit (id, dev_id, action, value, status, sent_at, done_at) values (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeviceID, a.Action, a.Value, a.Status, a.SentAt.UnixNano(), a.DoneAt.UnixNano(),
	)
	return errors.Annotatef(err, "storage audit id=%s action=%s", a.ID, a.Action)
}

func (s *SQLite) Close() error {
	return errors.Annotate(s.db.Close(), "storage close")
}
