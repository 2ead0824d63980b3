package agentcomm

import (
	"sync"
)

// Enumeration representing a type of the communication state transition
// while the region tries to send a gRPC command to a rack agent.
type CommErrorTransition int

const (
	// No communication issue previously and now.
	CommErrorNone CommErrorTransition = iota
	// New communication issue after successful communication earlier.
	CommErrorNew
	// Communication issue is gone after unsuccessful communication earlier.
	CommErrorReset
	// Communication issue persists.
	CommErrorContinued
)

// Counts the consecutive failed calls to the rack agents per command.
// The counters are reset by the first successful call of the command.
type RackCommStats struct {
	mutex  sync.RWMutex
	errors map[string]map[string]int64
}

// Creates the empty statistics.
func NewRackCommStats() *RackCommStats {
	return &RackCommStats{
		errors: make(map[string]map[string]int64),
	}
}

// Records the result of the call and returns the transition of the
// communication state of the command.
func (stats *RackCommStats) RecordCall(systemID, command string, callErr error) CommErrorTransition {
	stats.mutex.Lock()
	defer stats.mutex.Unlock()

	commands, ok := stats.errors[systemID]
	if !ok {
		commands = make(map[string]int64)
		stats.errors[systemID] = commands
	}
	previous := commands[command]
	if callErr == nil {
		delete(commands, command)
		if previous > 0 {
			return CommErrorReset
		}
		return CommErrorNone
	}
	commands[command] = previous + 1
	if previous > 0 {
		return CommErrorContinued
	}
	return CommErrorNew
}

// Returns the number of consecutive failures of the command.
func (stats *RackCommStats) GetErrorCount(systemID, command string) int64 {
	stats.mutex.RLock()
	defer stats.mutex.RUnlock()
	return stats.errors[systemID][command]
}

// Returns the number of consecutive failures of all commands sent to
// the rack.
func (stats *RackCommStats) GetTotalErrorCount(systemID string) (total int64) {
	stats.mutex.RLock()
	defer stats.mutex.RUnlock()
	for _, count := range stats.errors[systemID] {
		total += count
	}
	return total
}

// Forgets the counters of the rack.
func (stats *RackCommStats) Reset(systemID string) {
	stats.mutex.Lock()
	defer stats.mutex.Unlock()
	delete(stats.errors, systemID)
}
