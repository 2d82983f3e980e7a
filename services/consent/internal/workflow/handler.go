// Package workflow mediates consent lifecycle mutations. The owning
// fiduciary transitions a user consent directly; a principal's withdraw or
// renew call never mutates anything and is redirected into a pending
// request the fiduciary approves or rejects.
package workflow

import (
	"context"
	"errors"
	"net/http"
	"time"

	"consentdesk/pkg/authn"
	"consentdesk/pkg/domain"
	"consentdesk/pkg/httpx"
	"consentdesk/services/consent/internal/mailer"
	"consentdesk/services/consent/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Store is the persistence surface the workflow needs; *store.Store
// implements it, tests use an in-memory fake.
type Store interface {
	GetUserConsent(ctx context.Context, userConsentID string) (store.UserConsentDetail, error)
	WithdrawUserConsent(ctx context.Context, userConsentID string, now time.Time) (store.UserConsentDetail, error)
	RenewUserConsent(ctx context.Context, userConsentID string, givenAt, expiryAt time.Time) (store.UserConsentDetail, error)

	FindPendingRequest(ctx context.Context, userConsentID, principalID, entityID string, typ domain.NotificationType) (store.Notification, bool, error)
	CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	GetNotification(ctx context.Context, notificationID string) (store.Notification, error)
	ResolveRequest(ctx context.Context, p store.ResolveParams) error

	ListPrincipalNotifications(ctx context.Context, userID string) ([]store.Notification, error)
	ListFiduciaryNotifications(ctx context.Context, entityID string) ([]store.Notification, error)
	PrincipalUnreadCount(ctx context.Context, userID string) (int, error)
	FiduciaryUnreadCount(ctx context.Context, entityID string) (int, error)
	MarkPrincipalRead(ctx context.Context, userID string, now time.Time) (int64, error)
	MarkFiduciaryRead(ctx context.Context, entityID string, now time.Time) (int64, error)

	AddEvent(ctx context.Context, userConsentID, typ, actorID string, payload map[string]any) error
}

type Handler struct {
	store         Store
	mail          mailer.Mailer
	renewFallback time.Duration
	now           func() time.Time
}

func NewHandler(st Store, mail mailer.Mailer, renewFallback time.Duration) *Handler {
	if renewFallback <= 0 {
		renewFallback = domain.DefaultRenewalFallback
	}
	return &Handler{
		store:         st,
		mail:          mail,
		renewFallback: renewFallback,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, domain.ActionWithdraw)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, domain.ActionRenew)
}

// handleLifecycle dispatches on the caller's authority: direct transition
// for the owning fiduciary, request creation for the principal. Every
// action kind flows through the same path, parameterized by the workflow
// table.
func (h *Handler) handleLifecycle(w http.ResponseWriter, r *http.Request, kind domain.ActionKind) {
	id, ok := authn.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "no identity in context", nil)
		return
	}
	userConsentID := chi.URLParam(r, "userConsentId")

	rec, err := h.store.GetUserConsent(r.Context(), userConsentID)
	if err != nil {
		writeDomainError(w, err, "Consent not found")
		return
	}

	switch id.Role {
	case domain.RoleFiduciary:
		if id.EntityID == "" {
			httpx.WriteError(w, 400, "MISSING_CONTEXT", "Missing fiduciary context", nil)
			return
		}
		if !domain.CanDirectlyMutate(id.Role, id.EntityID, rec.OwnerEntityID) {
			httpx.WriteError(w, 403, "FORBIDDEN", "Not authorized to modify this consent", nil)
			return
		}
		h.direct(w, r, kind, rec, id)
	case domain.RolePrincipal:
		if rec.UserID != id.UserID {
			// Not visible outside the owner's scope.
			httpx.WriteError(w, 404, "NOT_FOUND", "Consent not found for this user", nil)
			return
		}
		h.request(w, r, kind, rec, id)
	default:
		httpx.WriteError(w, 403, "FORBIDDEN", "Role has no authority over consent lifecycle", nil)
	}
}

func (h *Handler) direct(w http.ResponseWriter, r *http.Request, kind domain.ActionKind, rec store.UserConsentDetail, id *authn.Identity) {
	now := h.now()
	switch kind {
	case domain.ActionWithdraw:
		updated, err := h.store.WithdrawUserConsent(r.Context(), rec.UserConsentID, now)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyWithdrawn) {
				httpx.WriteSuccess(w, 200, "Consent already withdrawn", updated)
				return
			}
			if errors.Is(err, domain.ErrInvalidState) {
				httpx.WriteError(w, 400, "INVALID_STATE", "Only active consents can be withdrawn", nil)
				return
			}
			writeDomainError(w, err, "Consent not found")
			return
		}
		_ = h.store.AddEvent(r.Context(), rec.UserConsentID, "WITHDRAWN", id.UserID, nil)
		httpx.WriteSuccess(w, 200, "Consent withdrawn", updated)
	case domain.ActionRenew:
		d := domain.RenewalDuration(rec.GivenAt, rec.ExpiryAt, h.renewFallback)
		updated, err := h.store.RenewUserConsent(r.Context(), rec.UserConsentID, now, now.Add(d))
		if err != nil {
			writeDomainError(w, err, "Consent not found")
			return
		}
		_ = h.store.AddEvent(r.Context(), rec.UserConsentID, "RENEWED", id.UserID, nil)
		httpx.WriteSuccess(w, 200, "Consent renewed", updated)
	}
}

// request turns a principal's withdraw/renew call into a pending request
// for the owning fiduciary. Creation is idempotent: a second call while a
// request of the same type is pending returns "already pending" without
// creating a duplicate.
func (h *Handler) request(w http.ResponseWriter, r *http.Request, kind domain.ActionKind, rec store.UserConsentDetail, id *authn.Identity) {
	spec := domain.Actions[kind]

	if rec.OwnerEntityID == "" {
		httpx.WriteError(w, 400, "MISSING_CONTEXT", "Consent has no resolvable Data Fiduciary", nil)
		return
	}

	existing, found, err := h.store.FindPendingRequest(r.Context(), rec.UserConsentID, id.UserID, rec.OwnerEntityID, spec.RequestType)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if found {
		httpx.WriteSuccess(w, 200, "Request already pending", existing)
		return
	}

	n := store.Notification{
		NotificationID:    "ntf_" + uuid.NewString(),
		UserConsentID:     rec.UserConsentID,
		DataPrincipalID:   id.UserID,
		FiduciaryEntityID: rec.OwnerEntityID,
		Type:              spec.RequestType,
		FromRole:          domain.RolePrincipal,
		ToRole:            domain.RoleFiduciary,
		Status:            domain.NotificationPending,
		Message: spec.RequestMessage(domain.MessageContext{
			PrincipalName: id.FullName,
			PurposeName:   rec.PurposeName,
			EntityName:    rec.EntityName,
		}),
	}
	created, err := h.store.CreateNotification(r.Context(), n)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	_ = h.store.AddEvent(r.Context(), rec.UserConsentID, string(spec.RequestType), id.UserID, map[string]any{"notification_id": created.NotificationID})
	httpx.WriteSuccess(w, 201, "Request sent to Data Fiduciary", created)
}

type decision int

const (
	decisionApprove decision = iota
	decisionReject
)

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, decisionApprove)
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, decisionReject)
}

// resolve completes a pending request exactly once. Approve applies the
// requested transition under the same preconditions as a direct call;
// reject mutates nothing. Both complete the original notification and emit
// a COMPLETED principal-facing outcome in one transaction, then email the
// principal outside it.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, d decision) {
	id, ok := authn.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "no identity in context", nil)
		return
	}
	if id.EntityID == "" {
		httpx.WriteError(w, 400, "MISSING_CONTEXT", "Missing fiduciary context", nil)
		return
	}

	n, err := h.store.GetNotification(r.Context(), chi.URLParam(r, "notificationId"))
	if err != nil {
		writeDomainError(w, err, "Notification not found")
		return
	}
	if n.FiduciaryEntityID != id.EntityID || n.ToRole != domain.RoleFiduciary {
		httpx.WriteError(w, 403, "FORBIDDEN", "Not authorized for this action", nil)
		return
	}
	if n.Status != domain.NotificationPending {
		httpx.WriteError(w, 400, "INVALID_STATE", "Notification already processed", nil)
		return
	}
	kind, ok := domain.KindForRequest(n.Type)
	if !ok {
		httpx.WriteError(w, 400, "INVALID_STATE", "Unsupported notification type", nil)
		return
	}
	spec := domain.Actions[kind]

	rec, err := h.store.GetUserConsent(r.Context(), n.UserConsentID)
	if err != nil {
		writeDomainError(w, err, "Consent not found")
		return
	}
	// Defense in depth: the notification's fiduciary must still own the
	// referenced consent.
	if !domain.CanDirectlyMutate(id.Role, id.EntityID, rec.OwnerEntityID) {
		httpx.WriteError(w, 403, "FORBIDDEN", "Not authorized to modify this consent", nil)
		return
	}

	now := h.now()
	msgCtx := domain.MessageContext{
		PurposeName: rec.PurposeName,
		EntityName:  rec.EntityName,
		ExpiryAt:    rec.ExpiryAt,
	}
	outcome := store.Notification{
		NotificationID:    "ntf_" + uuid.NewString(),
		UserConsentID:     n.UserConsentID,
		DataPrincipalID:   n.DataPrincipalID,
		FiduciaryEntityID: n.FiduciaryEntityID,
		FromRole:          domain.RoleFiduciary,
		ToRole:            domain.RolePrincipal,
		Status:            domain.NotificationCompleted,
	}

	var mutation *store.ConsentMutation
	var successMsg string

	if d == decisionApprove {
		switch kind {
		case domain.ActionWithdraw:
			if _, err := domain.Withdraw(rec.UserConsent, now); err != nil {
				httpx.WriteError(w, 400, "INVALID_STATE", "Only active consents can be withdrawn", nil)
				return
			}
			mutation = &store.ConsentMutation{Kind: kind, UserConsentID: rec.UserConsentID}
			successMsg = "Consent withdrawn and Data Principal notified"
		case domain.ActionRenew:
			renewed := domain.Renew(rec.UserConsent, now, h.renewFallback)
			mutation = &store.ConsentMutation{
				Kind:          kind,
				UserConsentID: rec.UserConsentID,
				GivenAt:       renewed.GivenAt,
				ExpiryAt:      renewed.ExpiryAt,
			}
			msgCtx.ExpiryAt = renewed.ExpiryAt
			successMsg = "Consent renewed and Data Principal notified"
		}
		outcome.Type = spec.ActionType
		outcome.Message = spec.ActionMessage(msgCtx)
	} else {
		outcome.Type = spec.RejectedType
		outcome.Message = spec.RejectedMessage(msgCtx)
		successMsg = "Request rejected and Data Principal notified"
	}

	err = h.store.ResolveRequest(r.Context(), store.ResolveParams{
		NotificationID: n.NotificationID,
		Now:            now,
		Mutation:       mutation,
		Outcome:        outcome,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Either a concurrent resolution won or the consent stopped
			// being withdrawable; nothing was applied.
			if mutation != nil && mutation.Kind == domain.ActionWithdraw {
				httpx.WriteError(w, 400, "INVALID_STATE", "Only active consents can be withdrawn", nil)
				return
			}
			httpx.WriteError(w, 400, "INVALID_STATE", "Notification already processed", nil)
			return
		}
		writeDomainError(w, err, "Consent not found")
		return
	}

	_ = h.store.AddEvent(r.Context(), n.UserConsentID, string(outcome.Type), id.UserID, map[string]any{"notification_id": n.NotificationID})
	mailer.Notify(h.mail, rec.PrincipalEmail, "Update on your consent", outcome.Message)

	if d == decisionReject {
		httpx.WriteSuccess(w, 200, successMsg, nil)
		return
	}
	updated, err := h.store.GetUserConsent(r.Context(), n.UserConsentID)
	if err != nil {
		writeDomainError(w, err, "Consent not found")
		return
	}
	httpx.WriteSuccess(w, 200, successMsg, map[string]any{"consent": updated})
}

func (h *Handler) HandlePrincipalNotifications(w http.ResponseWriter, r *http.Request) {
	id, _ := authn.FromContext(r.Context())
	out, err := h.store.ListPrincipalNotifications(r.Context(), id.UserID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if out == nil {
		out = []store.Notification{}
	}
	httpx.WriteSuccess(w, 200, "", out)
}

func (h *Handler) HandlePrincipalUnreadCount(w http.ResponseWriter, r *http.Request) {
	id, _ := authn.FromContext(r.Context())
	count, err := h.store.PrincipalUnreadCount(r.Context(), id.UserID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteSuccess(w, 200, "", map[string]any{"count": count})
}

func (h *Handler) HandlePrincipalMarkRead(w http.ResponseWriter, r *http.Request) {
	id, _ := authn.FromContext(r.Context())
	updated, err := h.store.MarkPrincipalRead(r.Context(), id.UserID, h.now())
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteSuccess(w, 200, "", map[string]any{"updated": updated})
}

func (h *Handler) HandleFiduciaryNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := requireFiduciaryContext(w, r)
	if !ok {
		return
	}
	out, err := h.store.ListFiduciaryNotifications(r.Context(), id.EntityID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if out == nil {
		out = []store.Notification{}
	}
	httpx.WriteSuccess(w, 200, "", out)
}

func (h *Handler) HandleFiduciaryUnreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := requireFiduciaryContext(w, r)
	if !ok {
		return
	}
	count, err := h.store.FiduciaryUnreadCount(r.Context(), id.EntityID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteSuccess(w, 200, "", map[string]any{"count": count})
}

func (h *Handler) HandleFiduciaryMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := requireFiduciaryContext(w, r)
	if !ok {
		return
	}
	updated, err := h.store.MarkFiduciaryRead(r.Context(), id.EntityID, h.now())
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteSuccess(w, 200, "", map[string]any{"updated": updated})
}

func requireFiduciaryContext(w http.ResponseWriter, r *http.Request) (*authn.Identity, bool) {
	id, ok := authn.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "no identity in context", nil)
		return nil, false
	}
	if id.EntityID == "" {
		httpx.WriteError(w, 400, "MISSING_CONTEXT", "Missing fiduciary context", nil)
		return nil, false
	}
	return id, true
}

func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", notFoundMsg, nil)
	case errors.Is(err, domain.ErrForbidden):
		httpx.WriteError(w, 403, "FORBIDDEN", "Not authorized for this action", nil)
	case errors.Is(err, domain.ErrInvalidState):
		httpx.WriteError(w, 400, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, domain.ErrMissingContext):
		httpx.WriteError(w, 400, "MISSING_CONTEXT", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
	}
}
