package model

import (
	"slices"
	"time"
)

// Subscription is a registered interest of one client in the changes of one
// collection narrowed by a filter.
type Subscription struct {
	ID              string     `json:"subscriptionId"`
	ClientID        string     `json:"clientId"`
	Collection      string     `json:"collection"`
	FilterSpec      FilterSpec `json:"filter"`
	Mode            QueryMode  `json:"mode"`
	ExcludeArchived bool       `json:"excludeArchived,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`

	Filter Filter `json:"-"`
}

// Principal is the authenticated caller behind a client connection.
type Principal struct {
	UserID      string   `json:"userId"`
	Collections []string `json:"collections,omitempty"`
}

// AnonymousPrincipal is used when authentication is disabled.
func AnonymousPrincipal() *Principal {
	return &Principal{UserID: "anonymous", Collections: []string{"*"}}
}

// CanAccess reports whether the principal may read and write collection.
func (p *Principal) CanAccess(collection string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Collections, "*") || slices.Contains(p.Collections, collection)
}
