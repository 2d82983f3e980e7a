package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"consentdesk/pkg/authn"
	"consentdesk/pkg/db"
	"consentdesk/pkg/domain"
	"consentdesk/pkg/httpx"
	"consentdesk/services/consent/internal/idempotency"
	"consentdesk/services/consent/internal/mailer"
	"consentdesk/services/consent/internal/store"
	"consentdesk/services/consent/internal/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func envDays(name string, fallback int) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return time.Duration(fallback) * 24 * time.Hour
}

func main() {
	pool := db.MustConnect()
	st := store.New(pool)
	var mail mailer.Mailer
	if m := mailer.FromEnv(); m != nil {
		mail = m
	}

	grantDuration := envDays("GRANT_DURATION_DAYS", 365)
	renewFallback := envDays("RENEW_FALLBACK_DAYS", 30)
	wf := workflow.NewHandler(st, mail, renewFallback)

	port := os.Getenv("SERVICE_PORT")
	if port == "" { port = "8084" }

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// DEV helper to seed a demo fiduciary, offer and users with known tokens
	r.Post("/consents/dev/seed", func(w http.ResponseWriter, r *http.Request) {
		res, err := st.UpsertSeedData(r.Context())
		if err != nil { httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil); return }
		httpx.WriteSuccess(w, 200, "", res)
	})

	r.Group(func(api chi.Router) {
		api.Use(authn.Middleware(pool))

		api.Route("/consents", func(c chi.Router) {

			c.With(authn.RequireRole(domain.RolePrincipal)).Get("/", func(w http.ResponseWriter, r *http.Request) {
				id, _ := authn.FromContext(r.Context())
				out, err := st.ListUserConsents(r.Context(), id.UserID)
				if err != nil { httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil); return }
				if out == nil { out = []store.UserConsentDetail{} }
				httpx.WriteSuccess(w, 200, "", out)
			})

			c.Get("/{userConsentId}", func(w http.ResponseWriter, r *http.Request) {
				id, _ := authn.FromContext(r.Context())
				rec, err := st.GetUserConsent(r.Context(), chi.URLParam(r, "userConsentId"))
				if err != nil { httpx.WriteError(w, 404, "NOT_FOUND", "Consent not found", nil); return }
				switch id.Role {
				case domain.RolePrincipal:
					if rec.UserID != id.UserID { httpx.WriteError(w, 404, "NOT_FOUND", "Consent not found for this user", nil); return }
				case domain.RoleFiduciary:
					if rec.OwnerEntityID != id.EntityID { httpx.WriteError(w, 403, "FORBIDDEN", "Not authorized for this consent", nil); return }
				default:
					httpx.WriteError(w, 403, "FORBIDDEN", "Role has no access to consent records", nil)
					return
				}
				httpx.WriteSuccess(w, 200, "", rec)
			})

			c.With(authn.RequireRole(domain.RolePrincipal)).Post("/{consentId}/accept", func(w http.ResponseWriter, r *http.Request) {
				id, _ := authn.FromContext(r.Context())
				var req struct {
					PurposeID      string `json:"purpose_id"`
					DurationDays   int    `json:"duration_days"`
					IdempotencyKey string `json:"idempotency_key"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil { httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil); return }
				if req.PurposeID == "" { httpx.WriteError(w, 400, "MISSING_FIELD", "purpose_id is required", nil); return }

				actor := idempotency.ActorContext{UserID: id.UserID, IdempotencyKey: req.IdempotencyKey}
				if status, body, found, err := idempotency.Replay(r.Context(), st, actor, "consents.accept"); err == nil && found {
					httpx.WriteJSON(w, status, body)
					return
				}

				offer, err := st.GetConsentOffer(r.Context(), chi.URLParam(r, "consentId"))
				if err != nil { httpx.WriteError(w, 404, "NOT_FOUND", "Consent offer not found", nil); return }
				if offer.Status != domain.OfferActive { httpx.WriteError(w, 400, "INVALID_STATE", "Consent offer is not active", nil); return }
				meta, err := st.LatestMetadata(r.Context(), offer.ConsentID)
				if err != nil { httpx.WriteError(w, 400, "INVALID_STATE", "Consent offer has no metadata version", nil); return }
				if _, err := st.GetPurpose(r.Context(), req.PurposeID); err != nil {
					httpx.WriteError(w, 404, "NOT_FOUND", "Purpose not found", nil); return
				}

				d := grantDuration
				if req.DurationDays > 0 { d = time.Duration(req.DurationDays) * 24 * time.Hour }
				now := time.Now().UTC()
				uc := domain.UserConsent{
					UserConsentID:     "ucn_" + uuid.NewString(),
					UserID:            id.UserID,
					ConsentID:         offer.ConsentID,
					ConsentMetaDataID: meta.ConsentMetaDataID,
					PurposeID:         req.PurposeID,
					Status:            domain.StatusGranted,
					GivenAt:           now,
					ExpiryAt:          now.Add(d),
				}
				if err := st.CreateUserConsent(r.Context(), uc); err != nil { httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil); return }
				_ = st.AddEvent(r.Context(), uc.UserConsentID, "GRANTED", id.UserID, map[string]any{"consent_id": uc.ConsentID})

				resp := map[string]any{
					"request_id": httpx.NewRequestID(),
					"success":    true,
					"message":    "Consent granted",
					"data":       uc,
				}
				_ = idempotency.Save(r.Context(), st, actor, "consents.accept", 201, resp)
				httpx.WriteJSON(w, 201, resp)
			})

			c.Post("/{userConsentId}/withdraw", wf.HandleWithdraw)
			c.Post("/{userConsentId}/renew", wf.HandleRenew)
		})

		api.Route("/principal", func(p chi.Router) {
			p.Use(authn.RequireRole(domain.RolePrincipal))
			p.Get("/notifications", wf.HandlePrincipalNotifications)
			p.Get("/notifications/unread-count", wf.HandlePrincipalUnreadCount)
			p.Post("/notifications/mark-read", wf.HandlePrincipalMarkRead)
		})

		api.Route("/fiduciary", func(f chi.Router) {
			f.Use(authn.RequireRole(domain.RoleFiduciary), authn.RequireEntity)

			f.Get("/notifications", wf.HandleFiduciaryNotifications)
			f.Get("/notifications/unread-count", wf.HandleFiduciaryUnreadCount)
			f.Post("/notifications/mark-read", wf.HandleFiduciaryMarkRead)
			f.Post("/notifications/{notificationId}/approve", wf.HandleApprove)
			f.Post("/notifications/{notificationId}/reject", wf.HandleReject)

			f.Get("/consents", func(w http.ResponseWriter, r *http.Request) {
				id, _ := authn.FromContext(r.Context())
				out, err := st.ListFiduciaryOffers(r.Context(), id.EntityID)
				if err != nil { httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil); return }
				if out == nil { out = []store.OfferSummary{} }
				httpx.WriteSuccess(w, 200, "", out)
			})

			f.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
				id, _ := authn.FromContext(r.Context())
				m, err := st.FiduciaryMetrics(r.Context(), id.EntityID, time.Now().UTC())
				if err != nil { httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil); return }
				httpx.WriteSuccess(w, 200, "", m)
			})

			f.Get("/consents/{userConsentId}/events", func(w http.ResponseWriter, r *http.Request) {
				id, _ := authn.FromContext(r.Context())
				rec, err := st.GetUserConsent(r.Context(), chi.URLParam(r, "userConsentId"))
				if err != nil { httpx.WriteError(w, 404, "NOT_FOUND", "Consent not found", nil); return }
				if rec.OwnerEntityID != id.EntityID { httpx.WriteError(w, 403, "FORBIDDEN", "Not authorized for this consent", nil); return }
				events, err := st.ListEvents(r.Context(), rec.UserConsentID)
				if err != nil { httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil); return }
				if events == nil { events = []map[string]any{} }
				httpx.WriteSuccess(w, 200, "", events)
			})
		})
	})

	fmt.Println("consent service listening on :" + port)
	if err := http.ListenAndServe(":"+port, r); err != nil { fmt.Println("server error:", err); os.Exit(1) }
}
