package router

import (
	"github.com/sandboxops/lease-notify/internal/channel"
	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
)

// Route is the set of channels an event type fans out to.
type Route int

const (
	RouteMail Route = iota
	RouteChat
	RouteBoth
)

// Channels lists the channel names for this route.
func (r Route) Channels() []string {
	switch r {
	case RouteMail:
		return []string{channel.Mail}
	case RouteChat:
		return []string{channel.Chat}
	default:
		return []string{channel.Mail, channel.Chat}
	}
}

// Table is an immutable lookup from event type to route. It is built once at
// startup and injected; there is no mutable global registry.
type Table struct {
	routes map[domain.EventType]Route
}

// NewTable copies the given routes into an immutable table.
func NewTable(routes map[domain.EventType]Route) Table {
	m := make(map[domain.EventType]Route, len(routes))
	for k, v := range routes {
		m[k] = v
	}
	return Table{routes: m}
}

// DefaultTable is the production routing of lease lifecycle events.
func DefaultTable() Table {
	return NewTable(map[domain.EventType]Route{
		domain.LeaseApproved:               RouteMail,
		domain.LeaseDenied:                 RouteMail,
		domain.LeaseBudgetThresholdAlert:   RouteMail,
		domain.LeaseDurationThresholdAlert: RouteMail,
		domain.LeaseExpired:                RouteBoth,
		domain.LeaseFrozen:                 RouteBoth,
		domain.LeaseTerminated:             RouteBoth,
		domain.AccountCleanupFailed:        RouteChat,
		domain.AccountDriftDetected:        RouteChat,
	})
}

// Lookup resolves the route for an event type. An unrouted type is a
// Permanent failure: it escalates without any channel being invoked.
func (t Table) Lookup(typ domain.EventType) (Route, error) {
	r, ok := t.routes[typ]
	if !ok {
		return 0, classify.NewError(classify.KindPermanent, "",
			"no route for event type "+string(typ), nil)
	}
	return r, nil
}
