package store

import (
	"context"
	"encoding/json"
	"errors"

	"consentdesk/pkg/authn"

	"github.com/jackc/pgx/v5"
)

type IdempotencyRecord struct {
	UserID         string
	IdempotencyKey string
	Endpoint       string
	ResponseStatus int
	ResponseBody   []byte
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, userID, key, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body
FROM consent_idempotency_records
WHERE user_id=$1 AND idempotency_key=$2 AND endpoint=$3`,
		userID, key, endpoint).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return 0, nil, false, err
	}
	return status, obj, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, userID, key, endpoint string, responseStatus int, responseBody map[string]any) error {
	b, err := json.Marshal(responseBody)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO consent_idempotency_records(user_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (user_id,idempotency_key,endpoint) DO NOTHING`,
		userID, key, endpoint, responseStatus, string(b))
	return err
}

type SeedResult struct {
	PurposeID      string `json:"purpose_id"`
	FiduciaryID    string `json:"fiduciary_entity_id"`
	ProcessorID    string `json:"processor_entity_id"`
	ConsentID      string `json:"consent_id"`
	MetadataID     string `json:"consent_metadata_id"`
	PrincipalToken string `json:"principal_token"`
	FiduciaryToken string `json:"fiduciary_token"`
}

// UpsertSeedData loads a fixed demo world for smoke tests: one fiduciary
// with a consent offer and metadata version, one processor, one principal
// and one fiduciary operator user with known dev tokens. Idempotent.
func (s *Store) UpsertSeedData(ctx context.Context) (SeedResult, error) {
	res := SeedResult{
		PurposeID:      "pur_demo_marketing",
		FiduciaryID:    "ent_demo_fiduciary",
		ProcessorID:    "ent_demo_processor",
		ConsentID:      "cns_demo_newsletter",
		MetadataID:     "cmd_demo_newsletter_v1",
		PrincipalToken: "tok_dev_principal",
		FiduciaryToken: "tok_dev_fiduciary",
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return SeedResult{}, err
	}
	defer tx.Rollback(ctx)

	_, _ = tx.Exec(ctx, `
INSERT INTO purposes(purpose_id,purpose_name,description,sector,is_sensitive)
VALUES($1,'Marketing Communications','Email updates about products and offers','RETAIL',false)
ON CONFLICT (purpose_id) DO NOTHING`, res.PurposeID)

	_, _ = tx.Exec(ctx, `
INSERT INTO data_entities(entity_id,name,entity_type,contact_email,status)
VALUES($1,'Demo Retail Ltd','DATA_FIDUCIARY','contact@demo-retail.test','ACTIVE'),
      ($2,'Demo Analytics LLP','DATA_PROCESSOR','ops@demo-analytics.test','ACTIVE')
ON CONFLICT (entity_id) DO NOTHING`, res.FiduciaryID, res.ProcessorID)

	_, _ = tx.Exec(ctx, `
INSERT INTO consents(consent_id,consent_title,consent_type,consent_description,data_entity_id,status)
VALUES($1,'Newsletter & Offers','OPTIONAL','Personalized marketing email based on purchase history',$2,'ACTIVE')
ON CONFLICT (consent_id) DO NOTHING`, res.ConsentID, res.FiduciaryID)

	_, _ = tx.Exec(ctx, `
INSERT INTO consent_metadata(consent_metadata_id,consent_id,version,method_of_collection)
VALUES($1,$2,'1.0','ONLINE')
ON CONFLICT (consent_metadata_id) DO NOTHING`, res.MetadataID, res.ConsentID)

	_, _ = tx.Exec(ctx, `
INSERT INTO users(user_id,full_name,email,role,entity_id,status)
VALUES('usr_demo_principal','Demo Principal','principal@demo.test','DATA_PRINCIPAL',NULL,'ACTIVE'),
      ('usr_demo_fiduciary','Demo Operator','operator@demo-retail.test','DATA_FIDUCIARY',$1,'ACTIVE')
ON CONFLICT (user_id) DO NOTHING`, res.FiduciaryID)

	_, _ = tx.Exec(ctx, `
INSERT INTO api_tokens(token_hash,user_id)
VALUES($1,'usr_demo_principal'),($2,'usr_demo_fiduciary')
ON CONFLICT (token_hash) DO NOTHING`,
		authn.HashToken(res.PrincipalToken), authn.HashToken(res.FiduciaryToken))

	if err := tx.Commit(ctx); err != nil {
		return SeedResult{}, err
	}
	return res, nil
}
