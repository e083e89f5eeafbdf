package repository_test

import (
	"context"
	"fmt"
	"reflect"

	"kadai/internal/common/db"
	"kadai/internal/common/mq"
)

type execCall struct {
	query string
	args  []interface{}
}

// scriptedDB routes statements to test closures so each test can answer
// by query text.
type scriptedDB struct {
	queryFn func(query string, args []interface{}) (db.Rows, error)
	rowFn   func(query string, args []interface{}) db.Row
	execFn  func(query string, args []interface{}) (db.Result, error)

	commits   int
	rollbacks int
}

func (d *scriptedDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	if d.queryFn == nil {
		return &fakeRows{}, nil
	}
	return d.queryFn(query, args)
}

func (d *scriptedDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	if d.rowFn == nil {
		return &fakeRow{}
	}
	return d.rowFn(query, args)
}

func (d *scriptedDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	if d.execFn == nil {
		return fakeResult{affected: 1}, nil
	}
	return d.execFn(query, args)
}

func (d *scriptedDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	tx := &scriptedTx{db: d}
	if err := fn(tx); err != nil {
		d.rollbacks++
		return err
	}
	d.commits++
	return nil
}

func (d *scriptedDB) Ping(ctx context.Context) error { return nil }
func (d *scriptedDB) Close() error                   { return nil }
func (d *scriptedDB) Stats() db.Stats                { return db.Stats{} }

type scriptedTx struct {
	db *scriptedDB
}

func (t *scriptedTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return t.db.Query(ctx, query, args...)
}

func (t *scriptedTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return t.db.QueryRow(ctx, query, args...)
}

func (t *scriptedTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return t.db.Exec(ctx, query, args...)
}

func (t *scriptedTx) Commit() error   { return nil }
func (t *scriptedTx) Rollback() error { return nil }

type fakeRows struct {
	data [][]interface{}
	idx  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	return assignRow(r.data[r.idx-1], dest)
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return r.err }

type fakeRow struct {
	data []interface{}
	err  error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assignRow(r.data, dest)
}

type fakeResult struct {
	lastID   int64
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

func assignRow(src []interface{}, dest []interface{}) error {
	if len(src) != len(dest) {
		return fmt.Errorf("row has %d columns, got %d scan targets", len(src), len(dest))
	}
	for i, v := range src {
		if err := assignValue(dest[i], v); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func assignValue(dest interface{}, src interface{}) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("scan target must be a non-nil pointer")
	}
	elem := dv.Elem()
	if src == nil {
		elem.SetZero()
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(elem.Type()) {
		elem.Set(sv)
		return nil
	}
	if elem.Kind() == reflect.Pointer {
		p := reflect.New(elem.Type().Elem())
		if err := assignValue(p.Interface(), src); err != nil {
			return err
		}
		elem.Set(p)
		return nil
	}
	if sv.Type().ConvertibleTo(elem.Type()) {
		elem.Set(sv.Convert(elem.Type()))
		return nil
	}
	return fmt.Errorf("cannot scan %T into %s", src, elem.Type())
}

type publishedMessage struct {
	topic   string
	message *mq.Message
}

type fakeProducer struct {
	published []publishedMessage
	err       error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{topic: topic, message: message})
	return nil
}

func (p *fakeProducer) Ping(ctx context.Context) error { return nil }
func (p *fakeProducer) Close() error                   { return nil }
