package main

import (
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"

	"github.com/myuser/txndb/internal/config"
	"github.com/myuser/txndb/internal/engine"
	"github.com/myuser/txndb/internal/txn"
)

// Forces the classic crossed-lock deadlock (each transaction updates
// one row, then the other's) and checks the younger transaction is
// aborted while the older one commits.

func mustExec(conn *engine.Connection, sql string) {
	if _, err := conn.Query(sql, engine.ClientSide); err != nil {
		fmt.Printf("FATAL %q: %v\n", sql, err)
		os.Exit(1)
	}
}

func main() {
	cfg := config.Default()
	cfg.WALPath = ""
	cfg.LockWaitTimeout = 5 * time.Second
	db, err := engine.Open(cfg)
	if err != nil {
		fmt.Println("FATAL open:", err)
		os.Exit(1)
	}
	defer db.Close()

	seed := db.NewConnection()
	seed.BeginDefault()
	mustExec(seed, "INSERT INTO account VALUES ('a', '100')")
	mustExec(seed, "INSERT INTO account VALUES ('b', '100')")
	seed.Commit()

	c1 := db.NewConnection()
	c1.BeginDefault()
	c2 := db.NewConnection()
	c2.BeginDefault()

	fmt.Println("1. t1 locks a, t2 locks b...")
	mustExec(c1, "UPDATE account SET balance = '90' WHERE id = 'a'")
	mustExec(c2, "UPDATE account SET balance = '90' WHERE id = 'b'")

	fmt.Println("2. t1 goes for b (blocks), t2 goes for a (closes the cycle)...")
	t1Done := make(chan error, 1)
	go func() {
		_, err := c1.Query("UPDATE account SET balance = '80' WHERE id = 'b'", engine.ClientSide)
		t1Done <- err
	}()
	time.Sleep(200 * time.Millisecond)

	_, err2 := c2.Query("UPDATE account SET balance = '80' WHERE id = 'a'", engine.ClientSide)
	err1 := <-t1Done

	if errors.Cause(err2) != txn.ErrDeadlockAborted {
		fmt.Printf("FAIL: expected t2 aborted as deadlock victim, got %v\n", err2)
		os.Exit(1)
	}
	fmt.Println("  PASS t2 aborted:", err2)

	if err1 != nil {
		fmt.Printf("FAIL: t1 should have been granted after the abort, got %v\n", err1)
		os.Exit(1)
	}
	fmt.Println("  PASS t1 proceeded after victim released its locks")

	fmt.Println("3. t1 commits, t2 retries on a fresh transaction...")
	if err := c1.Commit(); err != nil {
		fmt.Printf("FAIL: t1 commit: %v\n", err)
		os.Exit(1)
	}
	if err := c2.BeginDefault(); err != nil {
		fmt.Printf("FAIL: t2 retry begin: %v\n", err)
		os.Exit(1)
	}
	mustExec(c2, "UPDATE account SET balance = '70' WHERE id = 'a'")
	if err := c2.Commit(); err != nil {
		fmt.Printf("FAIL: t2 retry commit: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("RESULT: PASS")
}
