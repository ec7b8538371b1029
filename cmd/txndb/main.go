package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/myuser/txndb/internal/config"
	"github.com/myuser/txndb/internal/engine"
	"github.com/myuser/txndb/internal/metrics"
	"github.com/myuser/txndb/internal/txn"
)

func main() {
	configPath := flag.String("config", "", "path to INI config file")
	isolation := flag.String("isolation", "", "override default isolation level")
	autocommit := flag.Bool("autocommit", false, "run statements outside BEGIN in implicit transactions")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address (e.g. :9100)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("loading config")
		}
	}
	if *isolation != "" {
		lvl, err := txn.ParseIsolation(*isolation)
		if err != nil {
			logrus.WithError(err).Fatal("bad -isolation")
		}
		cfg.DefaultIsolation = lvl
	}
	if *autocommit {
		cfg.Autocommit = true
	}

	db, err := engine.Open(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("opening engine")
	}
	defer db.Close()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/metrics", metrics.Handler)
			logrus.WithField("addr", *metricsAddr).Info("serving metrics")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logrus.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	conn := db.NewConnection()
	defer conn.Close()

	fmt.Printf("txndb shell (default isolation %s, autocommit %v)\n", cfg.DefaultIsolation, cfg.Autocommit)
	fmt.Println(`commands: BEGIN [level], COMMIT, ROLLBACK, SQL statements, \metrics, \q`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("txndb> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if done := runLine(conn, line); done {
			break
		}
	}
}

// runLine executes one shell command. Returns true on quit.
func runLine(conn *engine.Connection, line string) bool {
	upper := strings.ToUpper(line)
	switch {
	case line == `\q` || upper == "EXIT" || upper == "QUIT":
		return true

	case line == `\metrics`:
		for name, v := range metrics.Snapshot() {
			fmt.Printf("%-24s %d\n", name, v)
		}
		return false

	case upper == "BEGIN":
		report(conn.BeginDefault(), "BEGIN")
		return false

	case strings.HasPrefix(upper, "BEGIN "):
		lvl, err := txn.ParseIsolation(strings.TrimSpace(line[len("BEGIN "):]))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		report(conn.Begin(lvl), "BEGIN")
		return false

	case upper == "COMMIT":
		report(conn.Commit(), "COMMIT")
		return false

	case upper == "ROLLBACK":
		report(conn.Rollback(), "ROLLBACK")
		return false
	}

	cur, err := conn.Query(line, engine.ClientSide)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return false
	}
	rows, err := cur.FetchAll()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return false
	}
	if len(rows) == 0 {
		fmt.Printf("ok (%d rows affected)\n", cur.Affected())
		return false
	}
	for _, row := range rows {
		fmt.Printf("%s.%s\t%s\n", row.Key.Table, row.Key.PK, row.Payload)
	}
	fmt.Printf("(%d rows)\n", len(rows))
	return false
}

func report(err error, what string) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(strings.ToLower(what))
}
