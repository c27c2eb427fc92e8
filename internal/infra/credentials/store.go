package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"visionbatch/internal/infra"
	"visionbatch/internal/sqlinline"
)

const (
	ProviderLightX2V = "lightx2v"
)

// Store keeps provider access tokens in the integration_tokens table so an
// admin can rotate them without a restart.
type Store struct {
	sql infra.SQLExecutor
	now func() time.Time
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql, now: time.Now}
}

// LightX2VToken returns the stored bearer token, or "" when none was saved.
func (s *Store) LightX2VToken(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderLightX2V)
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetLightX2VToken stores token; updatedBy is kept in the row properties.
func (s *Store) SetLightX2VToken(ctx context.Context, token, updatedBy string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("lightx2v access token is required")
	}
	props := map[string]any{"rotated_at": s.now().UTC().Format(time.RFC3339)}
	if updatedBy = strings.TrimSpace(updatedBy); updatedBy != "" {
		props["updated_by"] = updatedBy
	}
	return s.upsert(ctx, ProviderLightX2V, token, props)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
