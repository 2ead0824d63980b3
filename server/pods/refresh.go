package pods

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metalyard/region/server/agentcomm"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Maximum number of pods refreshed at once.
const refreshConcurrency = 4

// Discovers the pod on a rack able to reach it and synchronizes the
// database with the result. The driver is called outside of any
// transaction.
func (m *Manager) Refresh(ctx context.Context, podID int64) error {
	var (
		p         *dbmodel.Pod
		systemIDs []string
	)
	err := m.db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		if p, err = dbmodel.GetPod(tx, podID); err != nil {
			return err
		}
		systemIDs, err = getClientIdentifiers(tx, podID)
		return err
	})
	if err != nil {
		return err
	}

	client, err := m.getClient(ctx, systemIDs)
	if err != nil {
		return err
	}
	discovered, err := client.Discover(ctx, p.PowerType, p.ID, getPodContext(p, nil))
	if err != nil {
		return errors.WithMessagef(err, "problem discovering pod %s", p.Name)
	}
	if err := m.Sync(ctx, podID, discovered, ""); err != nil {
		return errors.WithMessagef(err, "problem synchronizing pod %s", p.Name)
	}
	log.WithFields(log.Fields{
		"pod":      p.Name,
		"rack":     client.Ident(),
		"machines": len(discovered.Machines),
	}).Info("Refreshed pod")
	return nil
}

// Periodically refreshes all pods.
type Refresher struct {
	*agentcomm.PeriodicPuller
	manager *Manager
	// Invoked for every pod which failed to refresh.
	onFailure func(podName string)
}

// Creates and starts the refresher. The interval is held in the
// pod_refresh_interval setting. The failure callback may be nil.
func NewRefresher(db dbops.DB, manager *Manager, onFailure func(podName string)) (*Refresher, error) {
	refresher := &Refresher{
		manager:   manager,
		onFailure: onFailure,
	}
	puller, err := agentcomm.NewPeriodicPuller(db, nil, "Pod Refresher",
		dbmodel.SettingPodRefreshInterval, refresher.refreshAll)
	if err != nil {
		return nil, err
	}
	refresher.PeriodicPuller = puller
	return refresher, nil
}

// Refreshes every pod. A failure of one pod does not stop the others;
// the last failure is returned.
func (r *Refresher) refreshAll(ctx context.Context) error {
	var pods []*dbmodel.Pod
	err := r.DB.Transaction(ctx, func(tx dbops.Tx) (err error) {
		pods, err = dbmodel.GetPods(tx)
		return err
	})
	if err != nil {
		return err
	}

	errs := make([]error, len(pods))
	var group errgroup.Group
	group.SetLimit(refreshConcurrency)
	for i, p := range pods {
		group.Go(func() error {
			errs[i] = r.manager.Refresh(ctx, p.ID)
			return nil
		})
	}
	_ = group.Wait()

	var lastErr error
	okCount := 0
	for i, err := range errs {
		if err == nil {
			okCount++
			continue
		}
		lastErr = err
		log.WithError(err).WithField("pod", pods[i].Name).Error("Failed to refresh pod")
		if r.onFailure != nil {
			r.onFailure(pods[i].Name)
		}
	}
	log.Infof("Completed refreshing pods: %d/%d succeeded", okCount, len(pods))
	return lastErr
}
