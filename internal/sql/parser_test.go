package sql

import (
	"testing"
)

func TestParseSelectScan(t *testing.T) {
	stmt, err := Parse("SELECT * FROM users")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if stmt.Kind != KindSelect {
		t.Fatalf("Expected SELECT, got %s", stmt.Kind)
	}
	if stmt.Table != "users" {
		t.Errorf("Expected table 'users', got '%s'", stmt.Table)
	}
	if stmt.HasPK {
		t.Errorf("Expected full table scan, got pk=%s", stmt.PK)
	}
}

func TestParseSelectPoint(t *testing.T) {
	stmt, err := Parse("SELECT * FROM users WHERE id = 'alice'")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !stmt.HasPK || stmt.PK != "alice" {
		t.Fatalf("Expected point lookup on 'alice', got %+v", stmt)
	}
}

func TestParseInsert(t *testing.T) {
	stmt, err := Parse("INSERT INTO users VALUES ('alice', 'payload-a')")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if stmt.Kind != KindInsert {
		t.Fatalf("Expected INSERT, got %s", stmt.Kind)
	}
	if stmt.Table != "users" || stmt.PK != "alice" || stmt.Payload != "payload-a" {
		t.Errorf("Unexpected statement: %+v", stmt)
	}
}

func TestParseUpdate(t *testing.T) {
	stmt, err := Parse("UPDATE users SET payload = 'new' WHERE id = 'alice'")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if stmt.Kind != KindUpdate || stmt.Payload != "new" {
		t.Fatalf("Unexpected statement: %+v", stmt)
	}
	if !stmt.HasPK || stmt.PK != "alice" {
		t.Errorf("Expected point update, got %+v", stmt)
	}

	// Without WHERE, an update touches every row.
	stmt, err = Parse("UPDATE users SET payload = 'new'")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if stmt.HasPK {
		t.Errorf("Expected full-table update, got %+v", stmt)
	}
}

func TestParseDelete(t *testing.T) {
	stmt, err := Parse("DELETE FROM user")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if stmt.Kind != KindDelete || stmt.Table != "user" || stmt.HasPK {
		t.Fatalf("Unexpected statement: %+v", stmt)
	}
}

func TestParseRejectsUnsupported(t *testing.T) {
	for _, q := range []string{
		"SELECT * FROM users WHERE age > 21",
		"SELECT * FROM a JOIN b ON a.id = b.id",
		"DROP TABLE users",
		"INSERT INTO users VALUES ('only-pk')",
	} {
		if _, err := Parse(q); err == nil {
			t.Errorf("Expected error for %q", q)
		}
	}
}

func TestParseRejectsNULInKeys(t *testing.T) {
	// Encoded row keys use NUL as the table/pk separator.
	for _, q := range []string{
		"SELECT * FROM users WHERE id = 'a\x00b'",
		"INSERT INTO users VALUES ('a\x00b', 'payload')",
		"DELETE FROM users WHERE id = '\x00'",
	} {
		if _, err := Parse(q); err == nil {
			t.Errorf("Expected error for pk containing NUL in %q", q)
		}
	}
}
