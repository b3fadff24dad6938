package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ActionAuthorizationDenied  = "authorization.denied"
	ActionAuthorizationGranted = "authorization.granted"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads policies from the casbin_rule table and seeds the role grants.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	return seeded(enforcer)
}

// NewMemoryEnforcer keeps policies in memory only.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoBuildRoleLinks(true)
	return seeded(enforcer)
}

func seeded(enforcer *casbin.SyncedEnforcer) (*casbin.SyncedEnforcer, error) {
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, subject Subject, object string, action string) error {
	keyID := strings.TrimSpace(subject.KeyID)
	role := strings.ToLower(strings.TrimSpace(subject.Role))
	if keyID == "" || role == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	sub := "api_key:" + keyID
	if err := s.ensureGrouping(sub, "role:"+role); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(sub, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("key_id", keyID),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.audit(ctx, ActionAuthorizationDenied, keyID, role, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.audit(ctx, ActionAuthorizationGranted, keyID, role, object, action)
	}
	return nil
}

// ensureGrouping binds the key to exactly one role, replacing stale grants.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) audit(ctx context.Context, auditAction, keyID, role, object, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := object + "." + action
	err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeOperator), &keyID, auditAction, "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
		"role":   role,
	})
	if err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", auditAction), zap.Error(err))
	}
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionCreate, ActionRevoke:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:viewer", ObjectPayment, ActionView},
		{"role:viewer", ObjectTransfer, ActionView},

		{"role:operator", ObjectPayment, ActionPoll},
		{"role:operator", ObjectPayment, ActionPayout},
		{"role:operator", ObjectPayment, ActionResolve},
		{"role:operator", ObjectTransfer, ActionCancel},
		{"role:operator", ObjectAuditLog, ActionView},
		{"role:operator", ObjectAPIKey, ActionView},
		{"role:operator", ObjectAPIKey, ActionCreate},
		{"role:operator", ObjectAPIKey, ActionRevoke},

		// Booking subsystem.
		{"role:system", ObjectPayment, ActionInitiate},
		{"role:system", ObjectPayment, ActionView},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return err
		}
	}

	// Operators see everything viewers see.
	_, err := enforcer.AddGroupingPolicy("role:operator", "role:viewer")
	return err
}
