package config

import (
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/myuser/txndb/internal/txn"
)

// Config carries the administrative knobs the core consumes: the
// default isolation level, autocommit, and the lock wait policy.
type Config struct {
	DefaultIsolation txn.IsolationLevel
	Autocommit       bool
	LockWaitTimeout  time.Duration
	NoWait           bool
	WALPath          string // empty disables the commit log
	LogLevel         string
}

// Default matches the documented engine defaults.
func Default() Config {
	return Config{
		DefaultIsolation: txn.RepeatableRead,
		Autocommit:       false,
		LockWaitTimeout:  5 * time.Second,
		WALPath:          "txndb.wal",
		LogLevel:         "info",
	}
}

// Load reads an ini file over the defaults. Keys live in [engine]:
//
//	default_isolation = repeatable read
//	autocommit        = false
//	lock_wait_timeout = 5s
//	nowait            = false
//	wal_path          = txndb.wal
//	log_level         = info
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, errors.Annotatef(err, "loading %s", path)
	}
	sec := f.Section("engine")

	if k := sec.Key("default_isolation").String(); k != "" {
		iso, err := txn.ParseIsolation(k)
		if err != nil {
			return cfg, errors.Trace(err)
		}
		cfg.DefaultIsolation = iso
	}
	if sec.HasKey("autocommit") {
		b, err := sec.Key("autocommit").Bool()
		if err != nil {
			return cfg, errors.Annotate(err, "autocommit")
		}
		cfg.Autocommit = b
	}
	if k := sec.Key("lock_wait_timeout").String(); k != "" {
		d, err := time.ParseDuration(k)
		if err != nil {
			return cfg, errors.Annotate(err, "lock_wait_timeout")
		}
		cfg.LockWaitTimeout = d
	}
	if sec.HasKey("nowait") {
		b, err := sec.Key("nowait").Bool()
		if err != nil {
			return cfg, errors.Annotate(err, "nowait")
		}
		cfg.NoWait = b
	}
	if k := sec.Key("wal_path").String(); k != "" {
		cfg.WALPath = k
	}
	if k := sec.Key("log_level").String(); k != "" {
		cfg.LogLevel = k
	}
	return cfg, nil
}
