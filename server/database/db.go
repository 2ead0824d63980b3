package dbops

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	// Returned when a record with the given key does not exist.
	ErrNotFound = errors.New("record not found")
	// Returned when a record violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// Transactional store holding the region records. A transaction scope
// is committed when the function returns nil and rolled back otherwise.
// Records returned from the store are copies and modifying them has no
// effect until they are written back with Update.
type DB interface {
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Handle to an open transaction. It is only valid within the function
// passed to DB.Transaction. The generic helpers of this package are the
// way to access records.
type Tx interface {
	Context() context.Context
	get(t *table, id int64) (any, error)
	list(t *table) ([]any, error)
	findBy(t *table, index string, value any) ([]any, error)
	insert(t *table, rec any) error
	update(t *table, rec any) error
	delete(t *table, rec any) error
}

// Secondary index of a table. The name is the column name, the field is
// the name of the struct member holding the value.
type Index struct {
	Name   string
	Field  string
	Unique bool
}

// Table registered for a record type.
type table struct {
	name    string
	typ     reflect.Type
	indexes []Index
}

var (
	registryMutex sync.RWMutex
	tablesByType  = map[reflect.Type]*table{}
	tablesByName  = map[string]*table{}
)

// Registers a record type under the table name. The prototype must be
// a pointer to a struct with an int64 ID member. It is typically called
// from the init function of the package defining the records.
func RegisterTable(name string, prototype any, indexes ...Index) {
	typ := reflect.TypeOf(prototype)
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		panic("table prototype must be a pointer to a struct: " + name)
	}
	typ = typ.Elem()
	if field, ok := typ.FieldByName("ID"); !ok || field.Type.Kind() != reflect.Int64 {
		panic("table prototype must have an int64 ID: " + name)
	}
	for _, index := range indexes {
		if _, ok := typ.FieldByName(index.Field); !ok {
			panic("unknown index field " + index.Field + " in table " + name)
		}
	}
	registryMutex.Lock()
	defer registryMutex.Unlock()
	t := &table{name: name, typ: typ, indexes: indexes}
	tablesByType[typ] = t
	tablesByName[name] = t
}

// Returns registered tables sorted by name.
func registeredTables() []*table {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	tables := make([]*table, 0, len(tablesByName))
	for _, t := range tablesByName {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].name < tables[j].name
	})
	return tables
}

func tableOf(typ reflect.Type) *table {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	t, ok := tablesByType[typ]
	if !ok {
		panic("no table registered for " + typ.String())
	}
	return t
}

func tableFor[T any]() *table {
	return tableOf(reflect.TypeOf((*T)(nil)).Elem())
}

func tableOfRecord(rec any) *table {
	typ := reflect.TypeOf(rec)
	if typ.Kind() != reflect.Ptr {
		panic("record must be a pointer: " + typ.String())
	}
	return tableOf(typ.Elem())
}

func (t *table) index(name string) (Index, bool) {
	for _, index := range t.indexes {
		if index.Name == name {
			return index, true
		}
	}
	return Index{}, false
}

func recordID(rec any) int64 {
	return reflect.ValueOf(rec).Elem().FieldByName("ID").Int()
}

func setRecordID(rec any, id int64) {
	reflect.ValueOf(rec).Elem().FieldByName("ID").SetInt(id)
}

func fieldValue(rec any, field string) any {
	return reflect.ValueOf(rec).Elem().FieldByName(field).Interface()
}

// Fetches the record by ID. It returns ErrNotFound if there is no
// such record.
func Get[T any](tx Tx, id int64) (*T, error) {
	rec, err := tx.get(tableFor[T](), id)
	if err != nil {
		return nil, err
	}
	return rec.(*T), nil
}

// Returns all records of the type ordered by ID.
func List[T any](tx Tx) ([]*T, error) {
	recs, err := tx.list(tableFor[T]())
	if err != nil {
		return nil, err
	}
	return convertRecords[T](recs), nil
}

// Returns records matching the predicate ordered by ID.
func Filter[T any](tx Tx, pred func(*T) bool) ([]*T, error) {
	recs, err := List[T](tx)
	if err != nil {
		return nil, err
	}
	filtered := recs[:0]
	for _, rec := range recs {
		if pred(rec) {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// Returns records having the value in the indexed column ordered by ID.
func FindBy[T any](tx Tx, index string, value any) ([]*T, error) {
	t := tableFor[T]()
	if _, ok := t.index(index); !ok {
		return nil, errors.Errorf("table %s has no index %s", t.name, index)
	}
	recs, err := tx.findBy(t, index, value)
	if err != nil {
		return nil, err
	}
	return convertRecords[T](recs), nil
}

// Returns the first record, by ID, having the value in the indexed column.
// It returns ErrNotFound if there is no such record.
func First[T any](tx Tx, index string, value any) (*T, error) {
	recs, err := FindBy[T](tx, index, value)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Inserts a new record. The record ID is set on success.
func Insert(tx Tx, rec any) error {
	return tx.insert(tableOfRecord(rec), rec)
}

// Writes all members of an existing record.
func Update(tx Tx, rec any) error {
	return tx.update(tableOfRecord(rec), rec)
}

// Deletes the record by its ID.
func Delete(tx Tx, rec any) error {
	return tx.delete(tableOfRecord(rec), rec)
}

func convertRecords[T any](recs []any) []*T {
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.(*T))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return recordID(out[i]) < recordID(out[j])
	})
	return out
}
