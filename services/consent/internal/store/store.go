// Package store is the persistence layer for the consent service: purposes,
// data entities, consent offers, metadata versions, user consents and
// workflow notifications, all through hand-written pgx SQL.
//
// Every precondition guard ("still GRANTED", "still PENDING") lives in the
// UPDATE's WHERE clause so concurrent writers race safely: the loser sees
// zero affected rows and the caller maps that to the idempotent or
// already-processed outcome.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"consentdesk/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type Purpose struct {
	PurposeID   string `json:"purpose_id"`
	PurposeName string `json:"purpose_name"`
	Description string `json:"description"`
	Sector      string `json:"sector"`
	IsSensitive bool   `json:"is_sensitive"`
}

type DataEntity struct {
	EntityID     string              `json:"entity_id"`
	Name         string              `json:"name"`
	EntityType   domain.EntityType   `json:"entity_type"`
	ContactEmail string              `json:"contact_email"`
	LogoURL      *string             `json:"logo_url"`
	Status       domain.EntityStatus `json:"status"`
}

type ConsentOffer struct {
	ConsentID          string             `json:"consent_id"`
	ConsentTitle       string             `json:"consent_title"`
	ConsentType        domain.ConsentType `json:"consent_type"`
	ConsentDescription string             `json:"consent_description"`
	DataEntityID       string             `json:"data_entity_id"`
	Status             domain.OfferStatus `json:"status"`
}

type ConsentMetaData struct {
	ConsentMetaDataID  string                  `json:"consent_metadata_id"`
	ConsentID          string                  `json:"consent_id"`
	Version            string                  `json:"version"`
	MethodOfCollection domain.CollectionMethod `json:"method_of_collection"`
}

// UserConsentDetail is a user consent joined with everything the read layer
// and the workflow messages need: owning entity, purpose, frozen metadata
// version and the principal's display identity.
type UserConsentDetail struct {
	domain.UserConsent

	EffectiveStatus domain.ConsentStatus `json:"effective_status"`

	ConsentTitle   string                  `json:"consent_title"`
	OwnerEntityID  string                  `json:"owner_entity_id"`
	EntityName     string                  `json:"entity_name"`
	PurposeName    string                  `json:"purpose_name"`
	MetaVersion    string                  `json:"metadata_version"`
	MetaMethod     domain.CollectionMethod `json:"method_of_collection"`
	PrincipalName  string                  `json:"principal_name"`
	PrincipalEmail string                  `json:"principal_email"`
}

type Notification struct {
	NotificationID    string                    `json:"notification_id"`
	UserConsentID     string                    `json:"user_consent_id"`
	DataPrincipalID   string                    `json:"data_principal_id"`
	FiduciaryEntityID string                    `json:"fiduciary_entity_id"`
	Type              domain.NotificationType   `json:"type"`
	FromRole          domain.Role               `json:"from_role"`
	ToRole            domain.Role               `json:"to_role"`
	Status            domain.NotificationStatus `json:"status"`
	Message           string                    `json:"message"`
	ReadAt            *time.Time                `json:"read_at"`
	CreatedAt         time.Time                 `json:"created_at"`

	// Joined display fields, populated on listings.
	PurposeName    string `json:"purpose_name,omitempty"`
	EntityName     string `json:"entity_name,omitempty"`
	PrincipalName  string `json:"principal_name,omitempty"`
	PrincipalEmail string `json:"principal_email,omitempty"`
}

const userConsentSelect = `
SELECT uc.user_consent_id,uc.user_id,uc.consent_id,uc.consent_metadata_id,uc.purpose_id,
       uc.status,uc.given_at,uc.withdrawn_at,uc.expiry_at,
       c.consent_title,c.data_entity_id,e.name,p.purpose_name,
       m.version,m.method_of_collection,
       u.full_name,u.email
FROM user_consents uc
JOIN consents c ON c.consent_id=uc.consent_id
JOIN data_entities e ON e.entity_id=c.data_entity_id
JOIN purposes p ON p.purpose_id=uc.purpose_id
JOIN consent_metadata m ON m.consent_metadata_id=uc.consent_metadata_id
JOIN users u ON u.user_id=uc.user_id
`

func scanUserConsent(row pgx.Row, now time.Time) (UserConsentDetail, error) {
	var d UserConsentDetail
	err := row.Scan(
		&d.UserConsentID, &d.UserID, &d.ConsentID, &d.ConsentMetaDataID, &d.PurposeID,
		&d.Status, &d.GivenAt, &d.WithdrawnAt, &d.ExpiryAt,
		&d.ConsentTitle, &d.OwnerEntityID, &d.EntityName, &d.PurposeName,
		&d.MetaVersion, &d.MetaMethod,
		&d.PrincipalName, &d.PrincipalEmail,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserConsentDetail{}, domain.ErrNotFound
		}
		return UserConsentDetail{}, err
	}
	d.EffectiveStatus = domain.EffectiveStatus(d.Status, d.ExpiryAt, now)
	return d, nil
}

func (s *Store) GetUserConsent(ctx context.Context, userConsentID string) (UserConsentDetail, error) {
	row := s.DB.QueryRow(ctx, userConsentSelect+`WHERE uc.user_consent_id=$1`, userConsentID)
	return scanUserConsent(row, time.Now().UTC())
}

func (s *Store) ListUserConsents(ctx context.Context, userID string) ([]UserConsentDetail, error) {
	rows, err := s.DB.Query(ctx, userConsentSelect+`WHERE uc.user_id=$1 ORDER BY uc.given_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := time.Now().UTC()
	var out []UserConsentDetail
	for rows.Next() {
		d, err := scanUserConsent(rows, now)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetConsentOffer(ctx context.Context, consentID string) (ConsentOffer, error) {
	var o ConsentOffer
	err := s.DB.QueryRow(ctx, `
SELECT consent_id,consent_title,consent_type,consent_description,data_entity_id,status
FROM consents WHERE consent_id=$1`, consentID).
		Scan(&o.ConsentID, &o.ConsentTitle, &o.ConsentType, &o.ConsentDescription, &o.DataEntityID, &o.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConsentOffer{}, domain.ErrNotFound
		}
		return ConsentOffer{}, err
	}
	return o, nil
}

// LatestMetadata returns the metadata snapshot in effect for new grants of
// an offer; a UserConsent freezes a reference to it at acceptance time.
func (s *Store) LatestMetadata(ctx context.Context, consentID string) (ConsentMetaData, error) {
	var m ConsentMetaData
	err := s.DB.QueryRow(ctx, `
SELECT consent_metadata_id,consent_id,version,method_of_collection
FROM consent_metadata WHERE consent_id=$1
ORDER BY created_at DESC LIMIT 1`, consentID).
		Scan(&m.ConsentMetaDataID, &m.ConsentID, &m.Version, &m.MethodOfCollection)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConsentMetaData{}, domain.ErrNotFound
		}
		return ConsentMetaData{}, err
	}
	return m, nil
}

func (s *Store) GetPurpose(ctx context.Context, purposeID string) (Purpose, error) {
	var p Purpose
	err := s.DB.QueryRow(ctx, `
SELECT purpose_id,purpose_name,description,sector,is_sensitive
FROM purposes WHERE purpose_id=$1`, purposeID).
		Scan(&p.PurposeID, &p.PurposeName, &p.Description, &p.Sector, &p.IsSensitive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purpose{}, domain.ErrNotFound
		}
		return Purpose{}, err
	}
	return p, nil
}

func (s *Store) CreateUserConsent(ctx context.Context, uc domain.UserConsent) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO user_consents(user_consent_id,user_id,consent_id,consent_metadata_id,purpose_id,status,given_at,expiry_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		uc.UserConsentID, uc.UserID, uc.ConsentID, uc.ConsentMetaDataID, uc.PurposeID,
		uc.Status, uc.GivenAt, uc.ExpiryAt)
	return err
}

// WithdrawUserConsent is the guarded withdraw write. Zero affected rows
// means a concurrent writer got there first or the record was never
// withdrawable; the record is re-read to tell the idempotent case apart.
func (s *Store) WithdrawUserConsent(ctx context.Context, userConsentID string, now time.Time) (UserConsentDetail, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE user_consents SET status=$1, withdrawn_at=$2, updated_at=now()
WHERE user_consent_id=$3 AND status=$4 AND expiry_at > $2`,
		domain.StatusWithdrawn, now, userConsentID, domain.StatusGranted)
	if err != nil {
		return UserConsentDetail{}, err
	}
	if tag.RowsAffected() == 0 {
		d, err := s.GetUserConsent(ctx, userConsentID)
		if err != nil {
			return UserConsentDetail{}, err
		}
		if d.Status == domain.StatusWithdrawn {
			return d, domain.ErrAlreadyWithdrawn
		}
		return d, domain.ErrInvalidState
	}
	return s.GetUserConsent(ctx, userConsentID)
}

func (s *Store) RenewUserConsent(ctx context.Context, userConsentID string, givenAt, expiryAt time.Time) (UserConsentDetail, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE user_consents SET status=$1, withdrawn_at=NULL, given_at=$2, expiry_at=$3, updated_at=now()
WHERE user_consent_id=$4`,
		domain.StatusGranted, givenAt, expiryAt, userConsentID)
	if err != nil {
		return UserConsentDetail{}, err
	}
	if tag.RowsAffected() == 0 {
		return UserConsentDetail{}, domain.ErrNotFound
	}
	return s.GetUserConsent(ctx, userConsentID)
}

// FindPendingRequest enforces the at-most-one-PENDING-per-tuple invariant at
// request creation time.
func (s *Store) FindPendingRequest(ctx context.Context, userConsentID, principalID, entityID string, typ domain.NotificationType) (Notification, bool, error) {
	var n Notification
	err := s.DB.QueryRow(ctx, `
SELECT notification_id,user_consent_id,data_principal_id,fiduciary_entity_id,type,from_role,to_role,status,message,read_at,created_at
FROM notifications
WHERE user_consent_id=$1 AND data_principal_id=$2 AND fiduciary_entity_id=$3 AND type=$4 AND status=$5
LIMIT 1`, userConsentID, principalID, entityID, typ, domain.NotificationPending).
		Scan(&n.NotificationID, &n.UserConsentID, &n.DataPrincipalID, &n.FiduciaryEntityID,
			&n.Type, &n.FromRole, &n.ToRole, &n.Status, &n.Message, &n.ReadAt, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, false, nil
		}
		return Notification{}, false, err
	}
	return n, true, nil
}

func (s *Store) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO notifications(notification_id,user_consent_id,data_principal_id,fiduciary_entity_id,type,from_role,to_role,status,message,read_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING created_at`,
		n.NotificationID, n.UserConsentID, n.DataPrincipalID, n.FiduciaryEntityID,
		n.Type, n.FromRole, n.ToRole, n.Status, n.Message, n.ReadAt).
		Scan(&n.CreatedAt)
	return n, err
}

func (s *Store) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	var n Notification
	err := s.DB.QueryRow(ctx, `
SELECT notification_id,user_consent_id,data_principal_id,fiduciary_entity_id,type,from_role,to_role,status,message,read_at,created_at
FROM notifications WHERE notification_id=$1`, notificationID).
		Scan(&n.NotificationID, &n.UserConsentID, &n.DataPrincipalID, &n.FiduciaryEntityID,
			&n.Type, &n.FromRole, &n.ToRole, &n.Status, &n.Message, &n.ReadAt, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, domain.ErrNotFound
		}
		return Notification{}, err
	}
	return n, nil
}

// ConsentMutation is the consent write an approval carries. Renewal times
// are computed by the caller from the record's prior window.
type ConsentMutation struct {
	Kind          domain.ActionKind
	UserConsentID string
	GivenAt       time.Time
	ExpiryAt      time.Time
}

type ResolveParams struct {
	NotificationID string
	Now            time.Time
	Mutation       *ConsentMutation // nil on reject
	Outcome        Notification
}

// ResolveRequest completes a pending request in one transaction: the
// PENDING->COMPLETED flip, the consent mutation (approve only) and the
// principal-facing outcome notification commit or roll back together, so a
// crash can never leave an approved change without its notification. A
// non-PENDING notification or an unwithdrawable consent rolls the whole
// resolution back with ErrInvalidState.
func (s *Store) ResolveRequest(ctx context.Context, p ResolveParams) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE notifications SET status=$1, read_at=$2
WHERE notification_id=$3 AND status=$4`,
		domain.NotificationCompleted, p.Now, p.NotificationID, domain.NotificationPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}

	if m := p.Mutation; m != nil {
		switch m.Kind {
		case domain.ActionWithdraw:
			tag, err := tx.Exec(ctx, `
UPDATE user_consents SET status=$1, withdrawn_at=$2, updated_at=now()
WHERE user_consent_id=$3 AND status=$4 AND expiry_at > $2`,
				domain.StatusWithdrawn, p.Now, m.UserConsentID, domain.StatusGranted)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return domain.ErrInvalidState
			}
		case domain.ActionRenew:
			tag, err := tx.Exec(ctx, `
UPDATE user_consents SET status=$1, withdrawn_at=NULL, given_at=$2, expiry_at=$3, updated_at=now()
WHERE user_consent_id=$4`,
				domain.StatusGranted, m.GivenAt, m.ExpiryAt, m.UserConsentID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return domain.ErrNotFound
			}
		default:
			return domain.ErrInvalidState
		}
	}

	o := p.Outcome
	_, err = tx.Exec(ctx, `
INSERT INTO notifications(notification_id,user_consent_id,data_principal_id,fiduciary_entity_id,type,from_role,to_role,status,message,read_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL)`,
		o.NotificationID, o.UserConsentID, o.DataPrincipalID, o.FiduciaryEntityID,
		o.Type, o.FromRole, o.ToRole, o.Status, o.Message)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const notificationListSelect = `
SELECT n.notification_id,n.user_consent_id,n.data_principal_id,n.fiduciary_entity_id,
       n.type,n.from_role,n.to_role,n.status,n.message,n.read_at,n.created_at,
       p.purpose_name,e.name,u.full_name,u.email
FROM notifications n
JOIN user_consents uc ON uc.user_consent_id=n.user_consent_id
JOIN purposes p ON p.purpose_id=uc.purpose_id
JOIN data_entities e ON e.entity_id=n.fiduciary_entity_id
JOIN users u ON u.user_id=n.data_principal_id
`

func (s *Store) listNotifications(ctx context.Context, query string, args ...any) ([]Notification, error) {
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.NotificationID, &n.UserConsentID, &n.DataPrincipalID, &n.FiduciaryEntityID,
			&n.Type, &n.FromRole, &n.ToRole, &n.Status, &n.Message, &n.ReadAt, &n.CreatedAt,
			&n.PurposeName, &n.EntityName, &n.PrincipalName, &n.PrincipalEmail); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListPrincipalNotifications(ctx context.Context, userID string) ([]Notification, error) {
	return s.listNotifications(ctx, notificationListSelect+`
WHERE n.data_principal_id=$1 AND n.to_role=$2
ORDER BY n.created_at DESC LIMIT 50`, userID, domain.RolePrincipal)
}

// ListFiduciaryNotifications returns the fiduciary's pending inbox: only
// unresolved incoming requests need a decision.
func (s *Store) ListFiduciaryNotifications(ctx context.Context, entityID string) ([]Notification, error) {
	return s.listNotifications(ctx, notificationListSelect+`
WHERE n.fiduciary_entity_id=$1 AND n.to_role=$2 AND n.status=$3
ORDER BY n.created_at DESC LIMIT 50`, entityID, domain.RoleFiduciary, domain.NotificationPending)
}

func (s *Store) PrincipalUnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.DB.QueryRow(ctx, `
SELECT COUNT(*) FROM notifications
WHERE data_principal_id=$1 AND to_role=$2 AND read_at IS NULL`,
		userID, domain.RolePrincipal).Scan(&count)
	return count, err
}

func (s *Store) FiduciaryUnreadCount(ctx context.Context, entityID string) (int, error) {
	var count int
	err := s.DB.QueryRow(ctx, `
SELECT COUNT(*) FROM notifications
WHERE fiduciary_entity_id=$1 AND to_role=$2 AND status=$3 AND read_at IS NULL`,
		entityID, domain.RoleFiduciary, domain.NotificationPending).Scan(&count)
	return count, err
}

func (s *Store) MarkPrincipalRead(ctx context.Context, userID string, now time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE notifications SET read_at=$1
WHERE data_principal_id=$2 AND to_role=$3 AND read_at IS NULL`,
		now, userID, domain.RolePrincipal)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkFiduciaryRead marks pending incoming requests as seen without
// resolving them.
func (s *Store) MarkFiduciaryRead(ctx context.Context, entityID string, now time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE notifications SET read_at=$1
WHERE fiduciary_entity_id=$2 AND to_role=$3 AND status=$4 AND read_at IS NULL`,
		now, entityID, domain.RoleFiduciary, domain.NotificationPending)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type OfferSummary struct {
	ConsentOffer
	LatestVersion string `json:"latest_version"`
	GrantCount    int    `json:"grant_count"`
}

func (s *Store) ListFiduciaryOffers(ctx context.Context, entityID string) ([]OfferSummary, error) {
	rows, err := s.DB.Query(ctx, `
SELECT c.consent_id,c.consent_title,c.consent_type,c.consent_description,c.data_entity_id,c.status,
       COALESCE((SELECT m.version FROM consent_metadata m WHERE m.consent_id=c.consent_id ORDER BY m.created_at DESC LIMIT 1),''),
       (SELECT COUNT(*) FROM user_consents uc WHERE uc.consent_id=c.consent_id)
FROM consents c
WHERE c.data_entity_id=$1
ORDER BY c.created_at DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OfferSummary
	for rows.Next() {
		var o OfferSummary
		if err := rows.Scan(&o.ConsentID, &o.ConsentTitle, &o.ConsentType, &o.ConsentDescription,
			&o.DataEntityID, &o.Status, &o.LatestVersion, &o.GrantCount); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type Metrics struct {
	ActiveConsents     int `json:"active_consents"`
	DistinctPrincipals int `json:"distinct_principals"`
	ActiveProcessors   int `json:"active_processors"`
}

// FiduciaryMetrics computes the dashboard counts over one fiduciary's
// offers. "Active" means effectively granted: status GRANTED and expiry
// still in the future at query time.
func (s *Store) FiduciaryMetrics(ctx context.Context, entityID string, now time.Time) (Metrics, error) {
	var m Metrics
	err := s.DB.QueryRow(ctx, `
SELECT COUNT(*) FILTER (WHERE uc.status=$2 AND uc.expiry_at > $3),
       COUNT(DISTINCT uc.user_id)
FROM user_consents uc
JOIN consents c ON c.consent_id=uc.consent_id
WHERE c.data_entity_id=$1`, entityID, domain.StatusGranted, now).
		Scan(&m.ActiveConsents, &m.DistinctPrincipals)
	if err != nil {
		return Metrics{}, err
	}
	err = s.DB.QueryRow(ctx, `
SELECT COUNT(*) FROM data_entities WHERE entity_type=$1 AND status=$2`,
		domain.EntityProcessor, domain.EntityActive).Scan(&m.ActiveProcessors)
	if err != nil {
		return Metrics{}, err
	}
	return m, nil
}

func (s *Store) AddEvent(ctx context.Context, userConsentID, typ, actorID string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	_, err := s.DB.Exec(ctx, `
INSERT INTO consent_events(user_consent_id,type,actor_id,payload) VALUES($1,$2,$3,$4::jsonb)`,
		userConsentID, typ, actorID, string(b))
	return err
}

func (s *Store) ListEvents(ctx context.Context, userConsentID string) ([]map[string]any, error) {
	rows, err := s.DB.Query(ctx, `
SELECT type,actor_id,occurred_at,payload FROM consent_events
WHERE user_consent_id=$1 ORDER BY occurred_at ASC`, userConsentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var typ string
		var actorID *string
		var at time.Time
		var payload []byte
		if err := rows.Scan(&typ, &actorID, &at, &payload); err != nil {
			return nil, err
		}
		var obj any
		_ = json.Unmarshal(payload, &obj)
		out = append(out, map[string]any{"type": typ, "actor_id": actorID, "at": at.Format(time.RFC3339), "payload": obj})
	}
	return out, rows.Err()
}
