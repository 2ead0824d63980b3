package agentcomm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	regionutil "github.com/metalyard/region/util"
)

// Periodic puller executes a function according to the interval held in
// a setting. The function typically talks to the racks and updates the
// database with what they report.
type PeriodicPuller struct {
	*regionutil.PeriodicExecutor
	intervalSettingName string
	lastInvokedAt       *atomic.Value
	lastFinishedAt      *atomic.Value
	DB                  dbops.DB
	Racks               ConnectedRacks
}

// Creates and starts the puller. The interval is read from the setting
// before every execution so the changed setting takes effect without a
// restart. The puller name is used for logging.
func NewPeriodicPuller(db dbops.DB, racks ConnectedRacks, pullerName, intervalSettingName string, pullFunc func(context.Context) error) (*PeriodicPuller, error) {
	var lastInvokedAt, lastFinishedAt atomic.Value
	lastInvokedAt.Store(time.Time{})
	lastFinishedAt.Store(time.Time{})

	periodicExecutor, err := regionutil.NewPeriodicExecutor(
		pullerName,
		func(ctx context.Context) error {
			lastInvokedAt.Store(time.Now())
			err := pullFunc(ctx)
			lastFinishedAt.Store(time.Now())
			return err
		},
		func() (interval int64, err error) {
			err = db.Transaction(context.Background(), func(tx dbops.Tx) (err error) {
				interval, err = dbmodel.GetSettingInt(tx, intervalSettingName)
				return err
			})
			return interval, errors.WithMessagef(err, "problem getting interval setting %s from db",
				intervalSettingName)
		},
	)
	if err != nil {
		return nil, err
	}

	return &PeriodicPuller{
		PeriodicExecutor:    periodicExecutor,
		intervalSettingName: intervalSettingName,
		lastInvokedAt:       &lastInvokedAt,
		lastFinishedAt:      &lastFinishedAt,
		DB:                  db,
		Racks:               racks,
	}, nil
}

// Returns the name of the interval setting.
func (p *PeriodicPuller) GetIntervalSettingName() string {
	return p.intervalSettingName
}

// Returns the time the last execution started.
func (p *PeriodicPuller) GetLastInvokedAt() time.Time {
	return p.lastInvokedAt.Load().(time.Time)
}

// Returns the time the last execution finished.
func (p *PeriodicPuller) GetLastFinishedAt() time.Time {
	return p.lastFinishedAt.Load().(time.Time)
}
