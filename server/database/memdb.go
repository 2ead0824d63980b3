package dbops

import (
	"context"
	"reflect"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

// Table holding the last ID assigned in each record table. Keeping it in
// the database makes the IDs roll back together with the records.
const sequenceTable = "region_sequence"

type sequence struct {
	Table string
	Last  int64
}

// In-memory implementation of the store. It serializes write
// transactions and is used by the unit tests and by the server started
// without a database.
type MemoryDB struct {
	memDB *memdb.MemDB
}

var _ DB = (*MemoryDB)(nil)

// Builds the memdb schema from the registered tables.
func memorySchema() *memdb.DBSchema {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			sequenceTable: {
				Name: sequenceTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Table"},
					},
				},
			},
		},
	}
	for _, t := range registeredTables() {
		indexes := map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.IntFieldIndex{Field: "ID"},
			},
		}
		for _, index := range t.indexes {
			field, _ := t.typ.FieldByName(index.Field)
			var indexer memdb.Indexer
			switch field.Type.Kind() {
			case reflect.String:
				indexer = &memdb.StringFieldIndex{Field: index.Field}
			case reflect.Bool:
				indexer = &memdb.BoolFieldIndex{Field: index.Field}
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				indexer = &memdb.IntFieldIndex{Field: index.Field}
			default:
				panic("unsupported index field type in table " + t.name + ": " + field.Type.String())
			}
			indexes[index.Name] = &memdb.IndexSchema{
				Name:         index.Name,
				AllowMissing: true,
				Indexer:      indexer,
			}
		}
		schema.Tables[t.name] = &memdb.TableSchema{Name: t.name, Indexes: indexes}
	}
	return schema
}

// Creates an empty in-memory store with all registered tables.
func NewMemoryDB() (*MemoryDB, error) {
	memDB, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, errors.Wrap(err, "problem creating in-memory database")
	}
	return &MemoryDB{memDB: memDB}, nil
}

// Runs the function in a write transaction.
func (db *MemoryDB) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := db.memDB.Txn(true)
	tx := &memoryTx{ctx: ctx, txn: txn}
	defer txn.Abort()
	if err := fn(tx); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Does nothing. The data is released with the store.
func (db *MemoryDB) Close() error {
	return nil
}

type memoryTx struct {
	ctx context.Context
	txn *memdb.Txn
}

func (tx *memoryTx) Context() context.Context {
	return tx.ctx
}

func (tx *memoryTx) get(t *table, id int64) (any, error) {
	rec, err := tx.txn.First(t.name, "id", id)
	if err != nil {
		return nil, errors.Wrapf(err, "problem getting %s %d", t.name, id)
	}
	if rec == nil {
		return nil, errors.Wrapf(ErrNotFound, "%s %d", t.name, id)
	}
	return copyRecord(rec), nil
}

func (tx *memoryTx) collect(t *table, index string, args ...any) ([]any, error) {
	it, err := tx.txn.Get(t.name, index, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "problem listing %s", t.name)
	}
	var recs []any
	for rec := it.Next(); rec != nil; rec = it.Next() {
		recs = append(recs, copyRecord(rec))
	}
	return recs, nil
}

func (tx *memoryTx) list(t *table) ([]any, error) {
	return tx.collect(t, "id")
}

func (tx *memoryTx) findBy(t *table, index string, value any) ([]any, error) {
	arg := indexArg(value)
	if arg != "" {
		return tx.collect(t, index, arg)
	}
	// Empty strings are not indexed.
	idx, _ := t.index(index)
	recs, err := tx.list(t)
	if err != nil {
		return nil, err
	}
	matching := recs[:0]
	for _, rec := range recs {
		if reflect.ValueOf(fieldValue(rec, idx.Field)).String() == "" {
			matching = append(matching, rec)
		}
	}
	return matching, nil
}

// Converts values of named string and bool types to their underlying
// types expected by the memdb indexers.
func indexArg(value any) any {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	default:
		return value
	}
}

// Returns an error if another record holds a value of a unique index.
func (tx *memoryTx) checkUnique(t *table, rec any) error {
	id := recordID(rec)
	for _, index := range t.indexes {
		if !index.Unique {
			continue
		}
		value := fieldValue(rec, index.Field)
		if reflect.ValueOf(value).IsZero() {
			continue
		}
		existing, err := tx.txn.First(t.name, index.Name, indexArg(value))
		if err != nil {
			return errors.Wrapf(err, "problem checking %s uniqueness", t.name)
		}
		if existing != nil && recordID(existing) != id {
			return errors.Wrapf(ErrDuplicate, "%s with %s %v already exists", t.name, index.Name, value)
		}
	}
	return nil
}

func (tx *memoryTx) nextID(t *table) (int64, error) {
	seq := &sequence{Table: t.name}
	existing, err := tx.txn.First(sequenceTable, "id", t.name)
	if err != nil {
		return 0, errors.Wrapf(err, "problem reading %s sequence", t.name)
	}
	if existing != nil {
		seq.Last = existing.(*sequence).Last
	}
	seq.Last++
	if err := tx.txn.Insert(sequenceTable, seq); err != nil {
		return 0, errors.Wrapf(err, "problem updating %s sequence", t.name)
	}
	return seq.Last, nil
}

func (tx *memoryTx) insert(t *table, rec any) error {
	if recordID(rec) != 0 {
		return errors.Errorf("%s record already has an ID %d", t.name, recordID(rec))
	}
	if err := tx.checkUnique(t, rec); err != nil {
		return err
	}
	id, err := tx.nextID(t)
	if err != nil {
		return err
	}
	setRecordID(rec, id)
	if err := tx.txn.Insert(t.name, copyRecord(rec)); err != nil {
		setRecordID(rec, 0)
		return errors.Wrapf(err, "problem inserting %s", t.name)
	}
	return nil
}

func (tx *memoryTx) update(t *table, rec any) error {
	id := recordID(rec)
	existing, err := tx.txn.First(t.name, "id", id)
	if err != nil {
		return errors.Wrapf(err, "problem getting %s %d", t.name, id)
	}
	if existing == nil {
		return errors.Wrapf(ErrNotFound, "%s %d", t.name, id)
	}
	if err := tx.checkUnique(t, rec); err != nil {
		return err
	}
	if err := tx.txn.Insert(t.name, copyRecord(rec)); err != nil {
		return errors.Wrapf(err, "problem updating %s %d", t.name, id)
	}
	return nil
}

func (tx *memoryTx) delete(t *table, rec any) error {
	id := recordID(rec)
	existing, err := tx.txn.First(t.name, "id", id)
	if err != nil {
		return errors.Wrapf(err, "problem getting %s %d", t.name, id)
	}
	if existing == nil {
		return errors.Wrapf(ErrNotFound, "%s %d", t.name, id)
	}
	if err := tx.txn.Delete(t.name, existing); err != nil {
		return errors.Wrapf(err, "problem deleting %s %d", t.name, id)
	}
	return nil
}

// Copies the record together with its slices and maps so the stored
// object is never shared with the caller.
func copyRecord(rec any) any {
	src := reflect.ValueOf(rec).Elem()
	dst := reflect.New(src.Type())
	dst.Elem().Set(src)
	for i := 0; i < dst.Elem().NumField(); i++ {
		field := dst.Elem().Field(i)
		if !field.CanSet() {
			continue
		}
		switch field.Kind() {
		case reflect.Slice:
			if field.IsNil() {
				continue
			}
			copied := reflect.MakeSlice(field.Type(), field.Len(), field.Len())
			reflect.Copy(copied, field)
			field.Set(copied)
		case reflect.Map:
			if field.IsNil() {
				continue
			}
			copied := reflect.MakeMapWithSize(field.Type(), field.Len())
			iter := field.MapRange()
			for iter.Next() {
				copied.SetMapIndex(iter.Key(), iter.Value())
			}
			field.Set(copied)
		}
	}
	return dst.Interface()
}
