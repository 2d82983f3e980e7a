package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"consentdesk/pkg/authn"
	"consentdesk/pkg/domain"
	"consentdesk/services/consent/internal/store"

	"github.com/go-chi/chi/v5"
)

type fakeStore struct {
	consents      map[string]store.UserConsentDetail
	notifications map[string]store.Notification

	createdNotifications []store.Notification
	events               []string
	resolveCalls         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		consents:      map[string]store.UserConsentDetail{},
		notifications: map[string]store.Notification{},
	}
}

func (f *fakeStore) GetUserConsent(ctx context.Context, id string) (store.UserConsentDetail, error) {
	d, ok := f.consents[id]
	if !ok {
		return store.UserConsentDetail{}, domain.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) WithdrawUserConsent(ctx context.Context, id string, now time.Time) (store.UserConsentDetail, error) {
	d, ok := f.consents[id]
	if !ok {
		return store.UserConsentDetail{}, domain.ErrNotFound
	}
	if d.Status == domain.StatusWithdrawn {
		return d, domain.ErrAlreadyWithdrawn
	}
	if d.Status != domain.StatusGranted || !d.ExpiryAt.After(now) {
		return d, domain.ErrInvalidState
	}
	at := now
	d.Status = domain.StatusWithdrawn
	d.WithdrawnAt = &at
	f.consents[id] = d
	return d, nil
}

func (f *fakeStore) RenewUserConsent(ctx context.Context, id string, givenAt, expiryAt time.Time) (store.UserConsentDetail, error) {
	d, ok := f.consents[id]
	if !ok {
		return store.UserConsentDetail{}, domain.ErrNotFound
	}
	d.Status = domain.StatusGranted
	d.WithdrawnAt = nil
	d.GivenAt = givenAt
	d.ExpiryAt = expiryAt
	f.consents[id] = d
	return d, nil
}

func (f *fakeStore) FindPendingRequest(ctx context.Context, ucID, principalID, entityID string, typ domain.NotificationType) (store.Notification, bool, error) {
	for _, n := range f.notifications {
		if n.UserConsentID == ucID && n.DataPrincipalID == principalID && n.FiduciaryEntityID == entityID &&
			n.Type == typ && n.Status == domain.NotificationPending {
			return n, true, nil
		}
	}
	return store.Notification{}, false, nil
}

func (f *fakeStore) CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error) {
	n.CreatedAt = time.Now().UTC()
	f.notifications[n.NotificationID] = n
	f.createdNotifications = append(f.createdNotifications, n)
	return n, nil
}

func (f *fakeStore) GetNotification(ctx context.Context, id string) (store.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return store.Notification{}, domain.ErrNotFound
	}
	return n, nil
}

func (f *fakeStore) ResolveRequest(ctx context.Context, p store.ResolveParams) error {
	f.resolveCalls++
	n, ok := f.notifications[p.NotificationID]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status != domain.NotificationPending {
		return domain.ErrInvalidState
	}

	// Mirror the transactional store: the guarded consent write decides
	// whether anything commits.
	if m := p.Mutation; m != nil {
		d, ok := f.consents[m.UserConsentID]
		if !ok {
			return domain.ErrNotFound
		}
		switch m.Kind {
		case domain.ActionWithdraw:
			if d.Status != domain.StatusGranted || !d.ExpiryAt.After(p.Now) {
				return domain.ErrInvalidState
			}
			at := p.Now
			d.Status = domain.StatusWithdrawn
			d.WithdrawnAt = &at
		case domain.ActionRenew:
			d.Status = domain.StatusGranted
			d.WithdrawnAt = nil
			d.GivenAt = m.GivenAt
			d.ExpiryAt = m.ExpiryAt
		}
		f.consents[m.UserConsentID] = d
	}

	at := p.Now
	n.Status = domain.NotificationCompleted
	n.ReadAt = &at
	f.notifications[p.NotificationID] = n

	o := p.Outcome
	o.CreatedAt = p.Now
	f.notifications[o.NotificationID] = o
	f.createdNotifications = append(f.createdNotifications, o)
	return nil
}

func (f *fakeStore) ListPrincipalNotifications(ctx context.Context, userID string) ([]store.Notification, error) {
	var out []store.Notification
	for _, n := range f.notifications {
		if n.DataPrincipalID == userID && n.ToRole == domain.RolePrincipal {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ListFiduciaryNotifications(ctx context.Context, entityID string) ([]store.Notification, error) {
	var out []store.Notification
	for _, n := range f.notifications {
		if n.FiduciaryEntityID == entityID && n.ToRole == domain.RoleFiduciary && n.Status == domain.NotificationPending {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) PrincipalUnreadCount(ctx context.Context, userID string) (int, error) {
	count := 0
	for _, n := range f.notifications {
		if n.DataPrincipalID == userID && n.ToRole == domain.RolePrincipal && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) FiduciaryUnreadCount(ctx context.Context, entityID string) (int, error) {
	count := 0
	for _, n := range f.notifications {
		if n.FiduciaryEntityID == entityID && n.ToRole == domain.RoleFiduciary &&
			n.Status == domain.NotificationPending && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) MarkPrincipalRead(ctx context.Context, userID string, now time.Time) (int64, error) {
	var updated int64
	for id, n := range f.notifications {
		if n.DataPrincipalID == userID && n.ToRole == domain.RolePrincipal && n.ReadAt == nil {
			at := now
			n.ReadAt = &at
			f.notifications[id] = n
			updated++
		}
	}
	return updated, nil
}

func (f *fakeStore) MarkFiduciaryRead(ctx context.Context, entityID string, now time.Time) (int64, error) {
	var updated int64
	for id, n := range f.notifications {
		if n.FiduciaryEntityID == entityID && n.ToRole == domain.RoleFiduciary &&
			n.Status == domain.NotificationPending && n.ReadAt == nil {
			at := now
			n.ReadAt = &at
			f.notifications[id] = n
			updated++
		}
	}
	return updated, nil
}

func (f *fakeStore) AddEvent(ctx context.Context, ucID, typ, actorID string, payload map[string]any) error {
	f.events = append(f.events, typ)
	return nil
}

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func seedConsent(f *fakeStore) store.UserConsentDetail {
	d := store.UserConsentDetail{
		UserConsent: domain.UserConsent{
			UserConsentID: "ucn_1",
			UserID:        "usr_p1",
			ConsentID:     "cns_1",
			PurposeID:     "pur_1",
			Status:        domain.StatusGranted,
			GivenAt:       testNow.Add(-10 * 24 * time.Hour),
			ExpiryAt:      testNow.Add(20 * 24 * time.Hour), // 30 day window
		},
		OwnerEntityID:  "ent_f1",
		EntityName:     "Acme Finance",
		PurposeName:    "Credit Scoring",
		PrincipalName:  "Asha Rao",
		PrincipalEmail: "asha@example.test",
	}
	f.consents[d.UserConsentID] = d
	return d
}

var (
	principal = &authn.Identity{UserID: "usr_p1", FullName: "Asha Rao", Email: "asha@example.test", Role: domain.RolePrincipal}
	fiduciary = &authn.Identity{UserID: "usr_f1", FullName: "Ops", Role: domain.RoleFiduciary, EntityID: "ent_f1"}
	outsider  = &authn.Identity{UserID: "usr_f2", FullName: "Other", Role: domain.RoleFiduciary, EntityID: "ent_f2"}
	processor = &authn.Identity{UserID: "usr_pr", FullName: "Proc", Role: domain.RoleProcessor, EntityID: "ent_pr"}
)

func newTestHandler(f *fakeStore) *Handler {
	h := NewHandler(f, nil, domain.DefaultRenewalFallback)
	h.now = func() time.Time { return testNow }
	return h
}

func doRequest(h *Handler, id *authn.Identity, method, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	if id != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(authn.NewContext(req.Context(), id)))
			})
		})
	}
	r.Post("/consents/{userConsentId}/withdraw", h.HandleWithdraw)
	r.Post("/consents/{userConsentId}/renew", h.HandleRenew)
	r.Post("/fiduciary/notifications/{notificationId}/approve", h.HandleApprove)
	r.Post("/fiduciary/notifications/{notificationId}/reject", h.HandleReject)
	r.Get("/principal/notifications", h.HandlePrincipalNotifications)
	r.Get("/principal/notifications/unread-count", h.HandlePrincipalUnreadCount)
	r.Post("/principal/notifications/mark-read", h.HandlePrincipalMarkRead)
	r.Get("/fiduciary/notifications", h.HandleFiduciaryNotifications)
	r.Get("/fiduciary/notifications/unread-count", h.HandleFiduciaryUnreadCount)
	r.Post("/fiduciary/notifications/mark-read", h.HandleFiduciaryMarkRead)

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("bad body %q: %v", rec.Body.String(), err)
	}
	return e
}

func pendingRequest(f *fakeStore, typ domain.NotificationType) store.Notification {
	n := store.Notification{
		NotificationID:    "ntf_req1",
		UserConsentID:     "ucn_1",
		DataPrincipalID:   "usr_p1",
		FiduciaryEntityID: "ent_f1",
		Type:              typ,
		FromRole:          domain.RolePrincipal,
		ToRole:            domain.RoleFiduciary,
		Status:            domain.NotificationPending,
	}
	f.notifications[n.NotificationID] = n
	return n
}

func TestFiduciaryWithdrawsDirectly(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	h := newTestHandler(f)

	rec := doRequest(h, fiduciary, "POST", "/consents/ucn_1/withdraw")
	if rec.Code != 200 {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	d := f.consents["ucn_1"]
	if d.Status != domain.StatusWithdrawn || d.WithdrawnAt == nil || !d.WithdrawnAt.Equal(testNow) {
		t.Fatalf("consent not withdrawn: %+v", d)
	}
	if len(f.createdNotifications) != 0 {
		t.Fatalf("direct withdraw should not create notifications")
	}
}

func TestForeignFiduciaryForbidden(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	h := newTestHandler(f)

	rec := doRequest(h, outsider, "POST", "/consents/ucn_1/withdraw")
	if rec.Code != 403 {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.consents["ucn_1"].Status != domain.StatusGranted {
		t.Fatalf("consent mutated despite 403")
	}
}

func TestProcessorHasNoLifecycleAuthority(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	h := newTestHandler(f)

	rec := doRequest(h, processor, "POST", "/consents/ucn_1/renew")
	if rec.Code != 403 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPrincipalWithdrawCreatesRequest(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	h := newTestHandler(f)

	rec := doRequest(h, principal, "POST", "/consents/ucn_1/withdraw")
	if rec.Code != 201 {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if f.consents["ucn_1"].Status != domain.StatusGranted {
		t.Fatalf("principal call must not mutate the consent")
	}
	if len(f.createdNotifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.createdNotifications))
	}
	n := f.createdNotifications[0]
	if n.Type != domain.WithdrawRequest || n.Status != domain.NotificationPending ||
		n.FromRole != domain.RolePrincipal || n.ToRole != domain.RoleFiduciary ||
		n.FiduciaryEntityID != "ent_f1" || n.DataPrincipalID != "usr_p1" {
		t.Fatalf("bad request notification: %+v", n)
	}
	if !strings.Contains(n.Message, "Asha Rao") || !strings.Contains(n.Message, "Credit Scoring") {
		t.Fatalf("message lacks context: %s", n.Message)
	}
}

func TestPrincipalRenewRedirectsToo(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	h := newTestHandler(f)

	rec := doRequest(h, principal, "POST", "/consents/ucn_1/renew")
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.createdNotifications) != 1 || f.createdNotifications[0].Type != domain.RenewRequest {
		t.Fatalf("expected a renew request, got %+v", f.createdNotifications)
	}
}

func TestDuplicateRequestIsIdempotent(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	h := newTestHandler(f)

	first := doRequest(h, principal, "POST", "/consents/ucn_1/withdraw")
	if first.Code != 201 {
		t.Fatalf("first status = %d", first.Code)
	}
	second := doRequest(h, principal, "POST", "/consents/ucn_1/withdraw")
	if second.Code != 200 {
		t.Fatalf("second status = %d", second.Code)
	}
	e := decodeEnvelope(t, second)
	if !e.Success || !strings.Contains(e.Message, "already pending") {
		t.Fatalf("expected already-pending success, got %+v", e)
	}
	pending := 0
	for _, n := range f.notifications {
		if n.Type == domain.WithdrawRequest && n.Status == domain.NotificationPending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected exactly one pending request, got %d", pending)
	}
}

func TestApproveWithdrawEndToEnd(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	req := pendingRequest(f, domain.WithdrawRequest)
	h := newTestHandler(f)

	rec := doRequest(h, fiduciary, "POST", "/fiduciary/notifications/"+req.NotificationID+"/approve")
	if rec.Code != 200 {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	d := f.consents["ucn_1"]
	if d.Status != domain.StatusWithdrawn || d.WithdrawnAt == nil || !d.WithdrawnAt.Equal(testNow) {
		t.Fatalf("consent not withdrawn: %+v", d)
	}

	orig := f.notifications[req.NotificationID]
	if orig.Status != domain.NotificationCompleted || orig.ReadAt == nil {
		t.Fatalf("original request not completed: %+v", orig)
	}

	if len(f.createdNotifications) != 1 {
		t.Fatalf("expected one outcome notification, got %d", len(f.createdNotifications))
	}
	out := f.createdNotifications[0]
	if out.Type != domain.WithdrawAction || out.Status != domain.NotificationCompleted ||
		out.ToRole != domain.RolePrincipal || out.FromRole != domain.RoleFiduciary {
		t.Fatalf("bad outcome notification: %+v", out)
	}
	if !strings.Contains(out.Message, "withdrawn early") {
		t.Fatalf("outcome message: %s", out.Message)
	}
}

func TestApproveRenewPreservesDuration(t *testing.T) {
	f := newFakeStore()
	seedConsent(f) // 30 day window
	req := pendingRequest(f, domain.RenewRequest)
	h := newTestHandler(f)

	rec := doRequest(h, fiduciary, "POST", "/fiduciary/notifications/"+req.NotificationID+"/approve")
	if rec.Code != 200 {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	d := f.consents["ucn_1"]
	if !d.GivenAt.Equal(testNow) {
		t.Fatalf("givenAt not refreshed: %v", d.GivenAt)
	}
	want := testNow.Add(30 * 24 * time.Hour)
	if !d.ExpiryAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", d.ExpiryAt, want)
	}
	if len(f.createdNotifications) != 1 || f.createdNotifications[0].Type != domain.RenewAction {
		t.Fatalf("expected renew action notification: %+v", f.createdNotifications)
	}
}

func TestResolutionHappensExactlyOnce(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	req := pendingRequest(f, domain.WithdrawRequest)
	h := newTestHandler(f)

	first := doRequest(h, fiduciary, "POST", "/fiduciary/notifications/"+req.NotificationID+"/approve")
	if first.Code != 200 {
		t.Fatalf("first status = %d", first.Code)
	}
	for _, path := range []string{"approve", "reject"} {
		rec := doRequest(h, fiduciary, "POST", "/fiduciary/notifications/"+req.NotificationID+"/"+path)
		if rec.Code != 400 {
			t.Fatalf("%s after resolution: status = %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "already processed") {
			t.Fatalf("%s body: %s", path, rec.Body.String())
		}
	}
	if len(f.createdNotifications) != 1 {
		t.Fatalf("extra outcome notifications created: %d", len(f.createdNotifications))
	}
}

func TestRejectLeavesConsentUntouched(t *testing.T) {
	f := newFakeStore()
	before := seedConsent(f)
	req := pendingRequest(f, domain.WithdrawRequest)
	h := newTestHandler(f)

	rec := doRequest(h, fiduciary, "POST", "/fiduciary/notifications/"+req.NotificationID+"/reject")
	if rec.Code != 200 {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	after := f.consents["ucn_1"]
	if after.Status != before.Status || after.WithdrawnAt != nil || !after.ExpiryAt.Equal(before.ExpiryAt) {
		t.Fatalf("reject mutated the consent: %+v", after)
	}
	if f.notifications[req.NotificationID].Status != domain.NotificationCompleted {
		t.Fatalf("original request not completed")
	}
	if len(f.createdNotifications) != 1 {
		t.Fatalf("expected exactly one rejection notification, got %d", len(f.createdNotifications))
	}
	out := f.createdNotifications[0]
	if out.Type != domain.WithdrawRejected || out.Status != domain.NotificationCompleted || out.ToRole != domain.RolePrincipal {
		t.Fatalf("bad rejection notification: %+v", out)
	}
	if !strings.Contains(out.Message, "remain active") {
		t.Fatalf("rejection message: %s", out.Message)
	}
}

func TestApproveWithdrawOnExpiredConsentFails(t *testing.T) {
	f := newFakeStore()
	d := seedConsent(f)
	d.ExpiryAt = testNow.Add(-time.Hour) // nominally GRANTED, effectively expired
	f.consents[d.UserConsentID] = d
	req := pendingRequest(f, domain.WithdrawRequest)
	h := newTestHandler(f)

	rec := doRequest(h, fiduciary, "POST", "/fiduciary/notifications/"+req.NotificationID+"/approve")
	if rec.Code != 400 {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if f.notifications[req.NotificationID].Status != domain.NotificationPending {
		t.Fatalf("failed approval must leave the request pending")
	}
	if f.consents["ucn_1"].Status != domain.StatusGranted {
		t.Fatalf("consent mutated despite failed approval")
	}
}

func TestApproveByWrongFiduciary(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	req := pendingRequest(f, domain.WithdrawRequest)
	h := newTestHandler(f)

	rec := doRequest(h, outsider, "POST", "/fiduciary/notifications/"+req.NotificationID+"/approve")
	if rec.Code != 403 {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.notifications[req.NotificationID].Status != domain.NotificationPending {
		t.Fatalf("request resolved by the wrong fiduciary")
	}
}

func TestApproveRequiresFiduciaryContext(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	req := pendingRequest(f, domain.WithdrawRequest)
	h := newTestHandler(f)

	noEntity := &authn.Identity{UserID: "usr_f3", Role: domain.RoleFiduciary}
	rec := doRequest(h, noEntity, "POST", "/fiduciary/notifications/"+req.NotificationID+"/approve")
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing fiduciary context") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestApproveUnsupportedType(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	req := pendingRequest(f, domain.WithdrawAction) // outcome type, never approvable
	h := newTestHandler(f)

	rec := doRequest(h, fiduciary, "POST", "/fiduciary/notifications/"+req.NotificationID+"/approve")
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unsupported notification type") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	f := newFakeStore()
	seedConsent(f)
	pendingRequest(f, domain.WithdrawRequest)
	h := newTestHandler(f)

	rec := doRequest(h, fiduciary, "GET", "/fiduciary/notifications/unread-count")
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("unread: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, fiduciary, "POST", "/fiduciary/notifications/mark-read")
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"updated":1`) {
		t.Fatalf("mark-read: %d %s", rec.Code, rec.Body.String())
	}

	// Marking read does not resolve the request.
	rec = doRequest(h, fiduciary, "GET", "/fiduciary/notifications")
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "ntf_req1") {
		t.Fatalf("pending request vanished after mark-read: %s", rec.Body.String())
	}
}
