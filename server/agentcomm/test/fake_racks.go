package agentcommtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/metalyard/region/server/agentcomm"
)

var _ agentcomm.ConnectedRacks = (*FakeRacks)(nil)

// Call received by a fake rack.
type RecordedCall struct {
	SystemID string
	Command  string
	Args     any
}

// Function producing the response to a call. It fills the result and
// returns the error the call should fail with.
type Handler func(systemID, command string, args any, result any) error

// Helper struct to mock the connected racks. The racks listed in
// Connected are considered connected. All calls are recorded and
// answered by the handler. A nil handler answers every call with an
// empty result.
type FakeRacks struct {
	mutex     sync.Mutex
	Connected []string
	Calls     []RecordedCall
	Handler   Handler
}

// Creates the fake racks with the given racks connected.
func NewFakeRacks(handler Handler, systemIDs ...string) *FakeRacks {
	return &FakeRacks{
		Connected: systemIDs,
		Handler:   handler,
	}
}

// Fake client of a single rack.
type fakeRackClient struct {
	racks    *FakeRacks
	systemID string
}

// Returns the system ID of the rack.
func (c *fakeRackClient) Ident() string {
	return c.systemID
}

// Records the call and invokes the handler.
func (c *fakeRackClient) Call(ctx context.Context, command string, args any, result any) error {
	c.racks.mutex.Lock()
	c.racks.Calls = append(c.racks.Calls, RecordedCall{
		SystemID: c.systemID,
		Command:  command,
		Args:     args,
	})
	handler := c.racks.Handler
	c.racks.mutex.Unlock()

	if handler == nil {
		return nil
	}
	return handler(c.systemID, command, args, result)
}

func (fr *FakeRacks) isConnected(systemID string) bool {
	for _, connected := range fr.Connected {
		if connected == systemID {
			return true
		}
	}
	return false
}

// Returns the client of the rack if it is connected.
func (fr *FakeRacks) GetClientFor(ctx context.Context, systemID string) (agentcomm.RackClient, error) {
	return fr.GetClientFromIdentifiers(ctx, []string{systemID})
}

// Returns the client of the first connected rack from the list.
func (fr *FakeRacks) GetClientFromIdentifiers(ctx context.Context, systemIDs []string) (agentcomm.RackClient, error) {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()
	for _, systemID := range systemIDs {
		if fr.isConnected(systemID) {
			return &fakeRackClient{racks: fr, systemID: systemID}, nil
		}
	}
	return nil, agentcomm.NewNoConnectionsAvailableError(systemIDs...)
}

// Returns the clients of all connected racks in the order they were
// given.
func (fr *FakeRacks) GetAllClients() []agentcomm.RackClient {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()
	clients := []agentcomm.RackClient{}
	for _, systemID := range fr.Connected {
		clients = append(clients, &fakeRackClient{racks: fr, systemID: systemID})
	}
	return clients
}

// Do nothing.
func (fr *FakeRacks) Shutdown() {}

// Returns the recorded calls of the command.
func (fr *FakeRacks) GetCalls(command string) []RecordedCall {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()
	var calls []RecordedCall
	for _, call := range fr.Calls {
		if call.Command == command {
			calls = append(calls, call)
		}
	}
	return calls
}

// Returns the recorded command names in the order of the calls.
func (fr *FakeRacks) GetCommands() []string {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()
	commands := make([]string, 0, len(fr.Calls))
	for _, call := range fr.Calls {
		commands = append(commands, call.Command)
	}
	return commands
}

// Fills the result of a call with the value. The value is passed through
// JSON like the real responses.
func Respond(result any, value any) error {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "problem marshalling fake response")
	}
	return errors.Wrap(json.Unmarshal(data, result), "problem unmarshalling fake response")
}
