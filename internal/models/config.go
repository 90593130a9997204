// Package models defines the shared data types for store configuration sync.
package models

import "time"

// DefaultPath is the well-known remote document holding the store flags.
const DefaultPath = "configuracion"

// Remote document field names.
const (
	FieldStoreOpen       = "tienda_abierta"
	FieldAcceptingOrders = "hacer_pedidos"
)

// ConfigSnapshot is the local view of the remote configuration document.
// The zero value is the fail-closed default: store closed, not accepting orders.
type ConfigSnapshot struct {
	StoreOpen       bool `json:"storeOpen"`
	AcceptingOrders bool `json:"acceptingOrders"`
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusLive    Status = "live"
	StatusErrored Status = "errored"
	StatusClosed  Status = "closed"
)

// SubscriptionState is the full bookkeeping of a subscription at one point in time.
//
// Status live implies HasSnapshot. Status errored with a NotFound error
// carries the fail-closed snapshot; with a TransportError the last good
// snapshot is retained.
type SubscriptionState struct {
	Status      Status         `json:"status"`
	Snapshot    ConfigSnapshot `json:"snapshot"`
	HasSnapshot bool           `json:"hasSnapshot"` // an authoritative document was decoded
	Err         *ConfigError   `json:"error"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Loading reports whether no authoritative answer has been received yet.
func (s SubscriptionState) Loading() bool {
	return s.Status == StatusIdle || s.Status == StatusLoading
}

// View converts the state into the consumer read shape.
func (s SubscriptionState) View() ConfigView {
	v := ConfigView{
		StoreOpen:       s.Snapshot.StoreOpen,
		AcceptingOrders: s.Snapshot.AcceptingOrders,
		Loading:         s.Loading(),
	}
	if s.Err != nil {
		msg := s.Err.Message
		v.Error = &msg
	}
	return v
}

// ConfigView is what consumers read: both flags, loading and a display error.
type ConfigView struct {
	StoreOpen       bool    `json:"tiendaAbierta"`
	AcceptingOrders bool    `json:"hacerPedidos"`
	Loading         bool    `json:"loading"`
	Error           *string `json:"error"`
}

// ErrorString returns the display error or "" when there is none.
func (v ConfigView) ErrorString() string {
	if v.Error == nil {
		return ""
	}
	return *v.Error
}
