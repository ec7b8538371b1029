package main

import (
	"fmt"
	"os"
	"time"

	"github.com/myuser/txndb/internal/config"
	"github.com/myuser/txndb/internal/engine"
	"github.com/myuser/txndb/internal/txn"
)

// Drives the three read isolation levels against a concurrent writer
// and checks each one sees exactly what it should.

var failed bool

func check(name string, got, want string) {
	if got == want {
		fmt.Printf("  PASS %s: %q\n", name, got)
		return
	}
	failed = true
	fmt.Printf("  FAIL %s: got %q, want %q\n", name, got, want)
}

func readOne(conn *engine.Connection, sql string) string {
	cur, err := conn.Query(sql, engine.ClientSide)
	if err != nil {
		return "error: " + err.Error()
	}
	rows, err := cur.FetchAll()
	if err != nil {
		return "error: " + err.Error()
	}
	if len(rows) == 0 {
		return "<none>"
	}
	return string(rows[0].Payload)
}

func mustExec(conn *engine.Connection, sql string) {
	if _, err := conn.Query(sql, engine.ClientSide); err != nil {
		fmt.Printf("FATAL %q: %v\n", sql, err)
		os.Exit(1)
	}
}

func main() {
	cfg := config.Default()
	cfg.WALPath = ""
	cfg.LockWaitTimeout = time.Second
	db, err := engine.Open(cfg)
	if err != nil {
		fmt.Println("FATAL open:", err)
		os.Exit(1)
	}
	defer db.Close()

	seed := db.NewConnection()
	seed.BeginDefault()
	mustExec(seed, "INSERT INTO user VALUES ('1', 'v1')")
	seed.Commit()

	fmt.Println("1. Uncommitted writes are invisible to other transactions...")
	writer := db.NewConnection()
	writer.Begin(txn.ReadCommitted)
	mustExec(writer, "UPDATE user SET name = 'v2' WHERE id = '1'")

	rc := db.NewConnection()
	rc.Begin(txn.ReadCommitted)
	rr := db.NewConnection()
	rr.Begin(txn.RepeatableRead)
	check("read committed before commit", readOne(rc, "SELECT * FROM user WHERE id = '1'"), "v1")
	check("repeatable read before commit", readOne(rr, "SELECT * FROM user WHERE id = '1'"), "v1")

	fmt.Println("2. Writer commits; READ COMMITTED moves, REPEATABLE READ does not...")
	writer.Commit()
	check("read committed after commit", readOne(rc, "SELECT * FROM user WHERE id = '1'"), "v2")
	check("repeatable read after commit", readOne(rr, "SELECT * FROM user WHERE id = '1'"), "v1")
	rc.Rollback()
	rr.Rollback()

	fmt.Println("3. Rollback leaves no trace...")
	writer.Begin(txn.ReadCommitted)
	mustExec(writer, "UPDATE user SET name = 'v3' WHERE id = '1'")
	writer.Rollback()
	after := db.NewConnection()
	after.BeginDefault()
	check("after rollback", readOne(after, "SELECT * FROM user WHERE id = '1'"), "v2")
	after.Rollback()

	if failed {
		fmt.Println("RESULT: FAIL")
		os.Exit(1)
	}
	fmt.Println("RESULT: PASS")
}
