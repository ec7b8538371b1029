package sql

import "fmt"

// Kind of a planned statement.
type Kind int

const (
	KindSelect Kind = iota
	KindInsert
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// Statement is the planned form of one SQL statement: a table, an
// optional point key, and for writes a payload. This is all the engine
// needs: the front end is a key extractor, not a query engine, so
// expressions beyond `pk = 'literal'` are rejected rather than half
// evaluated.
type Statement struct {
	Kind    Kind
	Table   string
	PK      string
	HasPK   bool // false = every row of the table
	Payload string
}

func (s *Statement) String() string {
	if s.HasPK {
		return fmt.Sprintf("%s(%s, pk=%s)", s.Kind, s.Table, s.PK)
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Table)
}
