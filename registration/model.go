// Package registration keeps the node's objects registered consistently in
// the platform registry and in the local store.
//
// Store is the local record kept in Redis. Manager treats the registry as
// authoritative: it calls the registry first and reconciles the local record
// item by item, issuing compensating calls when a local write fails.
package registration

import (
	"strconv"
	"strings"
	"time"
)

// Privacy is the visibility tier of an object in discovery.
type Privacy int

const (
	Private Privacy = iota
	ForFriends
	Public
)

var privacyNames = [...]string{"Private", "For Friends", "Public"}

// String returns the human readable privacy name.
func (p Privacy) String() string {
	if p < Private || p > Public {
		return "Private"
	}
	return privacyNames[p]
}

// ParsePrivacy decodes the stored 0/1/2 value. Unknown values are Private.
func ParsePrivacy(s string) Privacy {
	n, err := strconv.Atoi(s)
	if err != nil || n < int(Private) || n > int(Public) {
		return Private
	}
	return Privacy(n)
}

// Status tells whether an object is enabled for discovery.
type Status string

const (
	Enabled  Status = "Enabled"
	Disabled Status = "Disabled"
)

// ParseStatus accepts "enabled" and "disabled" in any case. Anything else
// yields the empty status, which leaves a stored status unchanged.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enabled":
		return Enabled
	case "disabled":
		return Disabled
	}
	return ""
}

// ServiceType is the object type that exposes every interaction id.
const ServiceType = "core:Service"

// Registration is one object as stored locally after a successful
// registration.
type Registration struct {
	OID         string
	AdapterID   string
	Name        string
	Type        string
	Credentials string
	Password    string
	Created     time.Time
	Properties  []string
	Events      []string
	Actions     []string
	Labels      []string
	Groups      []string
	Avatar      string
	Description string
	Version     string
	Privacy     Privacy
	Status      Status
}

// View is the public projection of a Registration. It never carries secrets.
type View struct {
	OID         string   `json:"oid"`
	AdapterID   string   `json:"adapterId"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Created     string   `json:"created,omitempty"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	Properties  []string `json:"properties,omitempty"`
	Events      []string `json:"events,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	Privacy     string   `json:"privacy"`
	Status      Status   `json:"status"`
}

// Update carries the fields replaced by an update. An empty AdapterID leaves
// the stored one untouched; a different one is rejected.
type Update struct {
	OID         string
	AdapterID   string
	Name        string
	Properties  []string
	Events      []string
	Actions     []string
	Labels      []string
	Groups      []string
	Avatar      string
	Description string
	Version     string
}

// Visibility is the privacy and status of one object.
type Visibility struct {
	OID     string  `json:"oid"`
	Privacy Privacy `json:"privacy"`
	Status  Status  `json:"status,omitempty"`
}

// Visible reports whether the object may appear in discovery for a caller
// with the given partner standing.
func (v Visibility) Visible(partner bool) bool {
	if v.Status != Enabled {
		return false
	}
	if partner {
		return v.Privacy >= ForFriends
	}
	return v.Privacy == Public
}
