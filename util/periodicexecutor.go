package regionutil

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Interval in seconds used while the executor is disabled to check whether
// it has been re-enabled.
const InactiveInterval int64 = 60

// Runs a function periodically. The interval in seconds is re-read after
// every run so a changed setting takes effect without a restart. A zero or
// negative interval disables the executor until the interval becomes
// positive again.
type PeriodicExecutor struct {
	name            string
	executorFunc    func(context.Context) error
	getIntervalFunc func() (int64, error)

	ctx    context.Context
	cancel context.CancelFunc

	mutex      sync.Mutex
	interval   int64
	active     bool
	pauseCount uint16
	ticker     *time.Ticker
	wg         sync.WaitGroup
}

// Creates and starts a periodic executor. The executor function receives a
// context cancelled on Shutdown.
func NewPeriodicExecutor(name string, executorFunc func(context.Context) error, getIntervalFunc func() (int64, error)) (*PeriodicExecutor, error) {
	interval, err := getIntervalFunc()
	if err != nil {
		return nil, err
	}

	active := true
	if interval <= 0 {
		interval = InactiveInterval
		active = false
	}

	ctx, cancel := context.WithCancel(context.Background())
	executor := &PeriodicExecutor{
		name:            name,
		executorFunc:    executorFunc,
		getIntervalFunc: getIntervalFunc,
		ctx:             ctx,
		cancel:          cancel,
		interval:        interval,
		active:          active,
		ticker:          time.NewTicker(time.Duration(interval) * time.Second),
	}

	executor.wg.Add(1)
	go executor.executorLoop()

	log.WithFields(log.Fields{
		"executor": name,
		"interval": interval,
		"active":   active,
	}).Info("Started periodic executor")
	return executor, nil
}

// Stops the executor and waits for a running function to return.
func (executor *PeriodicExecutor) Shutdown() {
	log.Infof("Stopping %s", executor.name)
	executor.cancel()
	executor.wg.Wait()
	log.Infof("Stopped %s", executor.name)
}

// Stops the timer. Pause may be called several times; the timer resumes
// after the same number of Unpause calls.
func (executor *PeriodicExecutor) Pause() {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	executor.ticker.Stop()
	executor.pauseCount++
}

// Checks if the executor is currently paused.
func (executor *PeriodicExecutor) Paused() bool {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	return executor.pauseCount > 0
}

// Resumes the timer after the last outstanding Pause.
func (executor *PeriodicExecutor) Unpause() {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	executor.unpauseLocked()
}

func (executor *PeriodicExecutor) unpauseLocked() {
	if executor.pauseCount > 0 {
		executor.pauseCount--
	}
	if executor.pauseCount == 0 {
		executor.ticker.Reset(time.Duration(executor.interval) * time.Second)
	}
}

// Returns the current interval in seconds.
func (executor *PeriodicExecutor) GetInterval() int64 {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	return executor.interval
}

// Reschedules the timer to a new interval, dropping all pauses.
func (executor *PeriodicExecutor) Reset(interval int64) {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	executor.ticker.Stop()
	executor.pauseCount = 0
	executor.interval = interval
	executor.ticker.Reset(time.Duration(interval) * time.Second)
}

// Returns the executor name.
func (executor *PeriodicExecutor) GetName() string {
	return executor.name
}

func (executor *PeriodicExecutor) executorLoop() {
	defer executor.wg.Done()
	for {
		select {
		case <-executor.ticker.C:
			executor.mutex.Lock()
			active := executor.active
			executor.mutex.Unlock()
			if active {
				// The timer is stopped while the function runs so a long
				// run is not followed by an immediate second one.
				executor.Pause()
				err := executor.executorFunc(executor.ctx)
				executor.Unpause()
				if err != nil {
					log.WithError(err).WithField("executor", executor.name).Error("Periodic run finished with errors")
				}
			}
		case <-executor.ctx.Done():
			executor.Pause()
			return
		}

		interval, err := executor.getIntervalFunc()
		if err != nil {
			log.WithError(err).WithField("executor", executor.name).Error("Problem getting interval")
			continue
		}

		executor.mutex.Lock()
		current := executor.interval
		active := executor.active
		executor.mutex.Unlock()

		switch {
		case interval <= 0 && active:
			if current != InactiveInterval {
				executor.Reset(InactiveInterval)
			}
			executor.setActive(false)
		case interval > 0 && (interval != current || !active):
			executor.Reset(interval)
			executor.setActive(true)
		}
	}
}

func (executor *PeriodicExecutor) setActive(active bool) {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	executor.active = active
}
