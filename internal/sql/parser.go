package sql

import (
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/juju/errors"
)

// Parse turns a SQL string into a Statement.
//
// Supported shapes:
//
//	SELECT ... FROM t [WHERE pk = 'v']
//	INSERT INTO t VALUES ('pk', 'payload')
//	UPDATE t SET payload = 'v' [WHERE pk = 'v']
//	DELETE FROM t [WHERE pk = 'v']
func Parse(sqlStr string) (*Statement, error) {
	stmt, err := sqlparser.Parse(sqlStr)
	if err != nil {
		return nil, errors.Annotate(err, "parse")
	}

	var out *Statement
	switch s := stmt.(type) {
	case *sqlparser.Select:
		out, err = buildSelect(s)
	case *sqlparser.Insert:
		out, err = buildInsert(s)
	case *sqlparser.Update:
		out, err = buildUpdate(s)
	case *sqlparser.Delete:
		out, err = buildDelete(s)
	default:
		return nil, errors.Errorf("unsupported statement type: %T", stmt)
	}
	if err != nil {
		return nil, err
	}

	// Row keys are stored as table|NUL|pk; NUL in either part is
	// rejected here so encoded keys stay unambiguous.
	if strings.IndexByte(out.Table, 0) >= 0 {
		return nil, errors.New("table name must not contain NUL bytes")
	}
	if out.HasPK && strings.IndexByte(out.PK, 0) >= 0 {
		return nil, errors.New("primary key must not contain NUL bytes")
	}
	return out, nil
}

func buildSelect(stmt *sqlparser.Select) (*Statement, error) {
	if len(stmt.From) == 0 {
		return nil, errors.New("SELECT without FROM is not supported")
	}
	table, err := tableName(stmt.From[0])
	if err != nil {
		return nil, err
	}

	out := &Statement{Kind: KindSelect, Table: table}
	if err := applyWhere(out, stmt.Where); err != nil {
		return nil, err
	}
	return out, nil
}

func buildInsert(stmt *sqlparser.Insert) (*Statement, error) {
	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok || len(rows) != 1 {
		return nil, errors.New("INSERT must supply exactly one VALUES row")
	}
	row := rows[0]
	if len(row) != 2 {
		return nil, errors.New("INSERT row must be ('pk', 'payload')")
	}

	pk, err := literal(row[0])
	if err != nil {
		return nil, err
	}
	payload, err := literal(row[1])
	if err != nil {
		return nil, err
	}
	return &Statement{
		Kind:    KindInsert,
		Table:   sqlparser.String(stmt.Table),
		PK:      pk,
		HasPK:   true,
		Payload: payload,
	}, nil
}

func buildUpdate(stmt *sqlparser.Update) (*Statement, error) {
	if len(stmt.TableExprs) == 0 {
		return nil, errors.New("UPDATE without table")
	}
	table, err := tableName(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}
	if len(stmt.Exprs) != 1 {
		return nil, errors.New("UPDATE must set exactly one column")
	}
	payload, err := literal(stmt.Exprs[0].Expr)
	if err != nil {
		return nil, err
	}

	out := &Statement{Kind: KindUpdate, Table: table, Payload: payload}
	if err := applyWhere(out, stmt.Where); err != nil {
		return nil, err
	}
	return out, nil
}

func buildDelete(stmt *sqlparser.Delete) (*Statement, error) {
	if len(stmt.TableExprs) == 0 {
		return nil, errors.New("DELETE without table")
	}
	table, err := tableName(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}

	out := &Statement{Kind: KindDelete, Table: table}
	if err := applyWhere(out, stmt.Where); err != nil {
		return nil, err
	}
	return out, nil
}

func tableName(expr sqlparser.TableExpr) (string, error) {
	aliased, ok := expr.(*sqlparser.AliasedTableExpr)
	if !ok {
		return "", errors.New("complex FROM clauses not supported")
	}
	return sqlparser.String(aliased.Expr), nil
}

// applyWhere extracts the `pk = 'literal'` point restriction, the only
// predicate shape this front end routes on. Absent WHERE means a full
// table scan; anything else is rejected.
func applyWhere(out *Statement, where *sqlparser.Where) error {
	if where == nil {
		return nil
	}
	cmp, ok := where.Expr.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return errors.Errorf("unsupported WHERE clause: %s", sqlparser.String(where.Expr))
	}
	if _, ok := cmp.Left.(*sqlparser.ColName); !ok {
		return errors.Errorf("unsupported WHERE clause: %s", sqlparser.String(where.Expr))
	}
	pk, err := literal(cmp.Right)
	if err != nil {
		return err
	}
	out.PK = pk
	out.HasPK = true
	return nil
}

func literal(expr sqlparser.Expr) (string, error) {
	val, ok := expr.(*sqlparser.SQLVal)
	if !ok {
		return "", errors.Errorf("expected literal, got %s", sqlparser.String(expr))
	}
	return string(val.Val), nil
}
