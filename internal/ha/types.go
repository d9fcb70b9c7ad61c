package ha

import (
	"encoding/json"
	"time"
)

// Message is the base websocket frame exchanged with Home Assistant.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is an error payload from Home Assistant.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is the authentication request frame.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is an event frame from Home Assistant.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the payload of a state_changed event.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is one entity's current state. For device_tracker entities the
// attributes of interest are source_type, latitude and longitude.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// request is a websocket request frame carrying a correlation id.
type request interface {
	msgID() int
}

// CallServiceRequest invokes a Home Assistant service.
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

func (r *CallServiceRequest) msgID() int { return r.ID }

// GetStatesRequest fetches all entity states.
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

func (r *GetStatesRequest) msgID() int { return r.ID }

// SubscribeEventsRequest subscribes to an event type.
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

func (r *SubscribeEventsRequest) msgID() int { return r.ID }

// StateChangeHandler is called when a subscribed entity changes state.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is an active state-change subscription.
type Subscription interface {
	Unsubscribe() error
}
