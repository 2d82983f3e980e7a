// Package domain holds the consent lifecycle rules as pure functions so the
// HTTP workflow and the store can share one source of truth for transitions
// and authorization.
package domain

import (
	"errors"
	"time"
)

type Role string

const (
	RolePrincipal Role = "DATA_PRINCIPAL"
	RoleFiduciary Role = "DATA_FIDUCIARY"
	RoleProcessor Role = "DATA_PROCESSOR"
	RoleAdmin     Role = "ADMIN"
)

type ConsentStatus string

const (
	StatusGranted   ConsentStatus = "GRANTED"
	StatusWithdrawn ConsentStatus = "WITHDRAWN"
	// StatusExpired is a derived view: no transition ever persists it.
	// "GRANTED with expiry_at in the past" is the canonical definition,
	// and a persisted EXPIRED row (legacy data) is treated the same.
	StatusExpired ConsentStatus = "EXPIRED"
)

type EntityType string

const (
	EntityFiduciary EntityType = "DATA_FIDUCIARY"
	EntityProcessor EntityType = "DATA_PROCESSOR"
)

type EntityStatus string

const (
	EntityActive    EntityStatus = "ACTIVE"
	EntitySuspended EntityStatus = "SUSPENDED"
)

type ConsentType string

const (
	ConsentExplicit      ConsentType = "EXPLICIT"
	ConsentInformed      ConsentType = "INFORMED"
	ConsentSpecific      ConsentType = "SPECIFIC"
	ConsentUnconditional ConsentType = "UNCONDITIONAL"
	ConsentOptional      ConsentType = "OPTIONAL"
)

type OfferStatus string

const (
	OfferActive   OfferStatus = "ACTIVE"
	OfferInactive OfferStatus = "INACTIVE"
)

type CollectionMethod string

const (
	CollectOnline    CollectionMethod = "ONLINE"
	CollectOffline   CollectionMethod = "OFFLINE"
	CollectMobileApp CollectionMethod = "MOBILE_APP"
	CollectInPerson  CollectionMethod = "IN_PERSON"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidState   = errors.New("invalid state")
	ErrMissingContext = errors.New("missing context")

	// ErrAlreadyWithdrawn marks the idempotent withdraw outcome; callers
	// report it as success, not failure.
	ErrAlreadyWithdrawn = errors.New("consent already withdrawn")
)

// DefaultRenewalFallback applies when a record has no usable prior
// given/expiry window to derive the fiduciary's declared duration from.
// Overridable via RENEW_FALLBACK_DAYS at startup.
const DefaultRenewalFallback = 30 * 24 * time.Hour

// UserConsent is one principal's grant of one consent offer for one purpose.
type UserConsent struct {
	UserConsentID     string        `json:"user_consent_id"`
	UserID            string        `json:"user_id"`
	ConsentID         string        `json:"consent_id"`
	ConsentMetaDataID string        `json:"consent_metadata_id"`
	PurposeID         string        `json:"purpose_id"`
	Status            ConsentStatus `json:"status"`
	GivenAt           time.Time     `json:"given_at"`
	WithdrawnAt       *time.Time    `json:"withdrawn_at"`
	ExpiryAt          time.Time     `json:"expiry_at"`
}

// EffectiveStatus derives the status a reader should see: a nominally
// GRANTED record past its expiry reads as EXPIRED. WITHDRAWN always wins.
func EffectiveStatus(status ConsentStatus, expiryAt, now time.Time) ConsentStatus {
	if status == StatusWithdrawn {
		return StatusWithdrawn
	}
	if !expiryAt.IsZero() && expiryAt.Before(now) {
		return StatusExpired
	}
	if status == StatusExpired {
		// Legacy persisted value; only meaningful when expiry has passed,
		// otherwise the record is effectively granted again.
		return StatusGranted
	}
	return status
}

// Withdraw applies the withdraw transition. Only an effectively GRANTED
// record can be withdrawn; a record already past expiry cannot, even though
// storage still says GRANTED. Withdrawing twice returns ErrAlreadyWithdrawn
// so the API boundary can report idempotent success.
func Withdraw(rec UserConsent, now time.Time) (UserConsent, error) {
	if rec.Status == StatusWithdrawn {
		return rec, ErrAlreadyWithdrawn
	}
	if EffectiveStatus(rec.Status, rec.ExpiryAt, now) != StatusGranted {
		return rec, ErrInvalidState
	}
	at := now
	rec.Status = StatusWithdrawn
	rec.WithdrawnAt = &at
	return rec, nil
}

// RenewalDuration recovers the originally declared consent duration from the
// previous given/expiry pair, falling back when the window is absent or
// inverted.
func RenewalDuration(givenAt, expiryAt time.Time, fallback time.Duration) time.Duration {
	if !givenAt.IsZero() && !expiryAt.IsZero() && expiryAt.After(givenAt) {
		return expiryAt.Sub(givenAt)
	}
	return fallback
}

// Renew always succeeds for an authorized actor, regardless of current
// status: the record returns to GRANTED with a fresh window preserving the
// prior duration.
func Renew(rec UserConsent, now time.Time, fallback time.Duration) UserConsent {
	d := RenewalDuration(rec.GivenAt, rec.ExpiryAt, fallback)
	rec.Status = StatusGranted
	rec.WithdrawnAt = nil
	rec.GivenAt = now
	rec.ExpiryAt = now.Add(d)
	return rec
}

// CanDirectlyMutate is the single authorization policy for withdraw/renew:
// mutation authority sits with the fiduciary that owns the referenced
// consent offer. Principals never mutate directly; their calls are
// redirected into the request workflow.
func CanDirectlyMutate(role Role, actorEntityID, ownerEntityID string) bool {
	if role != RoleFiduciary {
		return false
	}
	return actorEntityID != "" && actorEntityID == ownerEntityID
}
