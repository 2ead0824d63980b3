package dbops

import (
	"context"
	"reflect"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Alias to pg.DB.
type PgDB = pg.DB

// Store backed by PostgreSQL.
type PgStore struct {
	conn *PgDB
}

var _ DB = (*PgStore)(nil)

// Creates only new PgDB instance. The connection is verified with a few
// retries as the database may still be starting.
func NewPgDBConn(settings *DatabaseSettings) (*PgDB, error) {
	opts, err := settings.PgParams()
	if err != nil {
		return nil, err
	}
	db := pg.Connect(opts)

	for tries := 0; tries < 10; tries++ {
		var n int
		_, err = db.QueryOne(pg.Scan(&n), "SELECT 1")
		if err == nil {
			break
		}
		log.WithError(err).Warnf("problem connecting to the database %s, retrying", settings.DBName)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "unable to connect to the database using provided credentials")
	}
	return db, nil
}

// Creates new store and migrates the database to the latest schema
// version if necessary.
func NewPgDB(settings *DatabaseSettings) (*PgStore, error) {
	db, err := NewPgDBConn(settings)
	if err != nil {
		return nil, err
	}

	oldVer, newVer, err := MigrateToLatest(db)
	if err != nil {
		db.Close()
		return nil, err
	} else if oldVer != newVer {
		log.WithFields(log.Fields{
			"old-version": oldVer,
			"new-version": newVer,
		}).Info("Successfully migrated database schema")
	}

	if settings.TraceSQL {
		db.AddQueryHook(DBLogger{})
	}

	log.Infof("Connected to database %s, schema version: %d", settings.ConnectionParams(), newVer)
	return &PgStore{conn: db}, nil
}

// Returns the underlying connection.
func (s *PgStore) Conn() *PgDB {
	return s.conn
}

// Runs the function in a database transaction.
func (s *PgStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		return fn(&pgTx{ctx: ctx, tx: tx})
	})
}

// Closes the connection pool.
func (s *PgStore) Close() error {
	return s.conn.Close()
}

type pgTx struct {
	ctx context.Context
	tx  *pg.Tx
}

func (tx *pgTx) Context() context.Context {
	return tx.ctx
}

// Converts the duplicate key violation to ErrDuplicate.
func wrapPgError(err error, format string, args ...any) error {
	var pgErr pg.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == "23505" {
		return errors.Wrapf(ErrDuplicate, "%s", pgErr.Field('M'))
	}
	return errors.Wrapf(err, format, args...)
}

func (tx *pgTx) get(t *table, id int64) (any, error) {
	rec := reflect.New(t.typ).Interface()
	setRecordID(rec, id)
	err := tx.tx.ModelContext(tx.ctx, rec).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s %d", t.name, id)
	} else if err != nil {
		return nil, errors.Wrapf(err, "problem getting %s %d", t.name, id)
	}
	return rec, nil
}

func (tx *pgTx) selectRecords(t *table, filter func(q *pg.Query) *pg.Query) ([]any, error) {
	slice := reflect.New(reflect.SliceOf(reflect.PointerTo(t.typ)))
	q := tx.tx.ModelContext(tx.ctx, slice.Interface())
	if filter != nil {
		q = filter(q)
	}
	if err := q.OrderExpr("id ASC").Select(); err != nil && !errors.Is(err, pg.ErrNoRows) {
		return nil, errors.Wrapf(err, "problem listing %s", t.name)
	}
	recs := make([]any, 0, slice.Elem().Len())
	for i := 0; i < slice.Elem().Len(); i++ {
		recs = append(recs, slice.Elem().Index(i).Interface())
	}
	return recs, nil
}

func (tx *pgTx) list(t *table) ([]any, error) {
	return tx.selectRecords(t, nil)
}

func (tx *pgTx) findBy(t *table, index string, value any) ([]any, error) {
	return tx.selectRecords(t, func(q *pg.Query) *pg.Query {
		return q.Where("? = ?", pg.Ident(index), value)
	})
}

func (tx *pgTx) insert(t *table, rec any) error {
	if _, err := tx.tx.ModelContext(tx.ctx, rec).Insert(); err != nil {
		return wrapPgError(err, "problem inserting %s", t.name)
	}
	return nil
}

func (tx *pgTx) update(t *table, rec any) error {
	res, err := tx.tx.ModelContext(tx.ctx, rec).WherePK().Update()
	if err != nil {
		return wrapPgError(err, "problem updating %s %d", t.name, recordID(rec))
	}
	if res.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "%s %d", t.name, recordID(rec))
	}
	return nil
}

func (tx *pgTx) delete(t *table, rec any) error {
	res, err := tx.tx.ModelContext(tx.ctx, rec).WherePK().Delete()
	if err != nil {
		return errors.Wrapf(err, "problem deleting %s %d", t.name, recordID(rec))
	}
	if res.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "%s %d", t.name, recordID(rec))
	}
	return nil
}
