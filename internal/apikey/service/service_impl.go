package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/rentflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix       = "rf_op_"
	apiKeySecretBytes  = 32
	lastUsedResolution = time.Minute

	ActionAPIKeyCreated = "api_key.created"
	ActionAPIKeyRevoked = "api_key.revoked"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     apikeydomain.Repository
	AuditSvc auditdomain.Service `optional:"true"`
	Clock    clock.Clock         `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     apikeydomain.Repository
	genID    *snowflake.Node
	auditSvc auditdomain.Service
	clock    clock.Clock
}

func New(p Params) apikeydomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("apikey.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		auditSvc: p.AuditSvc,
		clock:    clk,
	}
}

func (s *Service) List(ctx context.Context) ([]apikeydomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}
	role, ok := apikeydomain.ParseRole(strings.ToLower(strings.TrimSpace(req.Role)))
	if !ok {
		return nil, apikeydomain.ErrInvalidRole
	}

	now := s.clock.Now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apikeydomain.ErrInvalidExpiry
	}

	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:        id,
		KeyID:     keyID,
		Name:      name,
		Role:      role,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	s.log.Info("api key created", zap.String("key_id", keyID), zap.String("role", string(role)))
	s.audit(ctx, ActionAPIKeyCreated, keyID, map[string]any{"name": name, "role": string(role)})
	return &apikeydomain.SecretResponse{KeyID: keyID, Role: role, APIKey: plain}, nil
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}
	if key.RevokedAt != nil {
		return apikeydomain.ErrAlreadyRevoked
	}

	now := s.clock.Now().UTC()
	key.IsActive = false
	key.RevokedAt = &now
	key.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return err
	}

	s.log.Info("api key revoked", zap.String("key_id", key.KeyID))
	s.audit(ctx, ActionAPIKeyRevoked, key.KeyID, map[string]any{"role": string(key.Role)})
	return nil
}

func (s *Service) Authenticate(ctx context.Context, raw string) (*apikeydomain.Principal, error) {
	keyID, secret, ok := parseAPIKey(raw)
	if !ok {
		return nil, apikeydomain.ErrInvalidAPIKey
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, keyID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if key == nil || !key.Usable(now) || !apikeydomain.VerifySecret(secret, key.KeyHash) {
		return nil, apikeydomain.ErrInvalidAPIKey
	}

	if key.LastUsedAt == nil || now.Sub(*key.LastUsedAt) >= lastUsedResolution {
		key.LastUsedAt = &now
		key.UpdatedAt = now
		if err := s.repo.Update(ctx, s.db, key); err != nil {
			s.log.Warn("failed to record api key usage", zap.String("key_id", key.KeyID), zap.Error(err))
		}
	}

	return &apikeydomain.Principal{KeyID: key.KeyID, Name: key.Name, Role: key.Role}, nil
}

func (s *Service) audit(ctx context.Context, action, keyID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, "api_key", &keyID, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:      key.KeyID,
		Name:       key.Name,
		Role:       key.Role,
		IsActive:   key.IsActive,
		CreatedAt:  key.CreatedAt,
		LastUsedAt: key.LastUsedAt,
		ExpiresAt:  key.ExpiresAt,
		RevokedAt:  key.RevokedAt,
	}
}

func generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	secretPart := hex.EncodeToString(secret)
	hash, err := apikeydomain.HashSecret(secretPart)
	if err != nil {
		return "", "", err
	}
	return apiKeyPrefix + keyID + "_" + secretPart, hash, nil
}

// parseAPIKey splits "rf_op_<key_id>_<secret>". Key ids never contain '_'.
func parseAPIKey(raw string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(raw), apiKeyPrefix)
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, "_")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

func newKeyID(id snowflake.ID) string {
	return "k" + strconv.FormatInt(int64(id), 36)
}
