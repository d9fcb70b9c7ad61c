package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements Client for tests. States are seeded with SetState;
// PushStateChange delivers a state_changed event to subscribers.
type MockClient struct {
	states   map[string]*State
	statesMu sync.RWMutex

	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int

	connected bool
	connMu    sync.RWMutex

	serviceCalls []ServiceCall
	callsMu      sync.Mutex

	// FailAll makes every state read and service call return an error,
	// simulating hub connectivity loss.
	FailAll bool
}

// ServiceCall records a service invocation for assertions.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a mock hub client.
func NewMockClient() *MockClient {
	return &MockClient{
		states:      make(map[string]*State),
		subscribers: make(map[string][]subscriberEntry),
	}
}

// SetState seeds or replaces an entity state.
func (m *MockClient) SetState(entityID, state string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: time.Now(),
		LastUpdated: time.Now(),
	}
}

// PushStateChange updates an entity and notifies its subscribers, simulating
// a state_changed event from the hub.
func (m *MockClient) PushStateChange(entityID, state string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	newState := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: time.Now(),
		LastUpdated: time.Now(),
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

// ServiceCalls returns a copy of all recorded service calls.
func (m *MockClient) ServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]ServiceCall(nil), m.serviceCalls...)
}

func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = false

	m.subsMu.Lock()
	m.subscribers = make(map[string][]subscriberEntry)
	m.subsMu.Unlock()
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

func (m *MockClient) GetState(entityID string) (*State, error) {
	if m.FailAll {
		return nil, fmt.Errorf("hub unavailable")
	}
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	return state, nil
}

func (m *MockClient) GetAllStates() ([]*State, error) {
	if m.FailAll {
		return nil, fmt.Errorf("hub unavailable")
	}
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	return states, nil
}

func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	if m.FailAll {
		return fmt.Errorf("hub unavailable")
	}
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	return nil
}

func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{entityID: entityID, subID: subID, mock: m}, nil
}

type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	s.mock.subsMu.Lock()
	defer s.mock.subsMu.Unlock()

	subscribers := s.mock.subscribers[s.entityID]
	for i, entry := range subscribers {
		if entry.subID == s.subID {
			s.mock.subscribers[s.entityID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	return nil
}

// Ensure MockClient implements Client.
var _ Client = (*MockClient)(nil)
