package dbops

import (
	"context"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	log "github.com/sirupsen/logrus"
)

// Defines the go-pg hooks to enable the SQL query logging.
// It implements the "pg.QueryHook" interface.
type DBLogger struct{}

// Hook run before SQL query execution. The setting table holds the
// OMAPI key so its queries are logged without the values.
func (d DBLogger) BeforeQuery(c context.Context, q *pg.QueryEvent) (context.Context, error) {
	if isSettingQuery(q) {
		if query, err := q.UnformattedQuery(); err == nil {
			log.WithField("table", "setting").Debug(string(query))
		}
		return c, nil
	}
	query, err := q.FormattedQuery()
	if err != nil {
		log.WithError(err).Debug(string(query))
		return c, nil
	}
	log.Debug(string(query))
	return c, nil
}

// Hook run after SQL query execution.
func (d DBLogger) AfterQuery(c context.Context, q *pg.QueryEvent) error {
	return nil
}

func isSettingQuery(q *pg.QueryEvent) bool {
	model, ok := q.Model.(orm.TableModel)
	if !ok || model == nil {
		return false
	}
	table := model.Table()
	return table != nil && table.SQLName == "setting"
}
