package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's effective access role. The set is closed.
type Role string

const (
	RoleOwner          Role = "owner"
	RoleSuspendedOwner Role = "suspended_owner"
	RoleGuest          Role = "guest"
)

// Permission is an action gated by role.
type Permission string

const (
	PermManageListings  Permission = "manage_listings"
	PermPublishListings Permission = "publish_listings"
	PermViewBilling     Permission = "view_billing"
)

var grants = map[Role]map[Permission]bool{
	RoleOwner: {
		PermManageListings:  true,
		PermPublishListings: true,
		PermViewBilling:     true,
	},
	RoleSuspendedOwner: {
		PermViewBilling: true,
	},
	RoleGuest: {},
}

// Can is the single authorization predicate for billing-derived access.
func Can(r Role, p Permission) bool {
	return grants[r][p]
}

// RoleForStatus derives the role a subscription status confers.
func RoleForStatus(s SubscriptionStatus) Role {
	switch s {
	case StatusActive, StatusPastDue:
		return RoleOwner
	case StatusSuspended:
		return RoleSuspendedOwner
	default:
		return RoleGuest
	}
}

// ListingsVisible reports whether an owner's listings are shown publicly.
func ListingsVisible(s SubscriptionStatus) bool {
	return Can(RoleForStatus(s), PermPublishListings)
}

// AccessGrant is the derived role of a user. Never the source of truth.
type AccessGrant struct {
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	Role           Role
	LastSyncedAt   time.Time
}

// StatusChange is published to downstream consumers after a transition.
type StatusChange struct {
	UserID         uuid.UUID          `json:"userId"`
	SubscriptionID uuid.UUID          `json:"subscriptionId"`
	OldStatus      SubscriptionStatus `json:"oldStatus"`
	NewStatus      SubscriptionStatus `json:"newStatus"`
	Timestamp      time.Time          `json:"timestamp"`
}
