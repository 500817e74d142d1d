package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianws/identity/internal/auth"
	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
	"github.com/meridianws/identity/pkg/logger"
	"github.com/meridianws/identity/pkg/metrics"
)

// ProvisioningOutcome is the cumulative result of evaluating a rule set
// against one identity. Deactivation is one way: once any matched rule
// deactivates the user, later rules may still add roles and groups but
// nothing clears the flag.
type ProvisioningOutcome struct {
	Roles      []string
	Groups     []string
	Attributes map[string]string
	Deactivate bool

	RulesApplied int
	RulesSkipped int
}

// ProvisioningService stores rules and evaluates them on login and sync.
// Evaluation never fails the surrounding flow: a malformed rule is skipped
// and logged, not fatal.
type ProvisioningService struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewProvisioningService constructs the provisioning service.
func NewProvisioningService(db *gorm.DB) (*ProvisioningService, error) {
	if db == nil {
		return nil, errors.New("provisioning service: database handle is required")
	}
	return &ProvisioningService{db: db, log: logger.WithModule("provisioning")}, nil
}

// CreateRule validates and persists a rule.
func (s *ProvisioningService) CreateRule(ctx context.Context, rule *models.ProvisioningRule) (*models.ProvisioningRule, error) {
	if rule == nil {
		return nil, errors.New("provisioning service: rule is required")
	}
	if strings.TrimSpace(rule.ProviderID) == "" {
		return nil, apperrors.NewConfiguration("rule provider id is required")
	}
	if rule.Trigger == "" {
		rule.Trigger = models.TriggerLogin
	}
	if rule.Trigger != models.TriggerLogin && rule.Trigger != models.TriggerSync {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("unknown rule trigger %q", rule.Trigger))
	}
	if err := checkRuleShape(rule); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("provisioning service: create rule: %w", err)
	}
	return rule, nil
}

// ListRules returns all rules for a provider ordered by priority.
func (s *ProvisioningService) ListRules(ctx context.Context, providerID string) ([]models.ProvisioningRule, error) {
	var rules []models.ProvisioningRule
	err := s.db.WithContext(ctx).
		Where("provider_id = ?", strings.TrimSpace(providerID)).
		Order("priority asc").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("provisioning service: list rules: %w", err)
	}
	return rules, nil
}

// DeleteRule removes a rule by id.
func (s *ProvisioningService) DeleteRule(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.ProvisioningRule{}, "id = ?", strings.TrimSpace(id))
	if result.Error != nil {
		return fmt.Errorf("provisioning service: delete rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("rule not found")
	}
	return nil
}

// SetRuleActive toggles a rule without deleting its definition.
func (s *ProvisioningService) SetRuleActive(ctx context.Context, id string, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.ProvisioningRule{}).
		Where("id = ?", strings.TrimSpace(id)).
		Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("provisioning service: toggle rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("rule not found")
	}
	return nil
}

// Evaluate runs the active rules for a provider and trigger against one
// identity, ascending priority, actions accumulating across matches.
func (s *ProvisioningService) Evaluate(ctx context.Context, providerID, trigger string, attrs auth.CanonicalAttributes) ProvisioningOutcome {
	outcome := ProvisioningOutcome{Attributes: map[string]string{}}

	var rules []models.ProvisioningRule
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND trigger_on = ? AND is_active = ?", providerID, trigger, true).
		Find(&rules).Error
	if err != nil {
		s.log.Warn("rule lookup failed, provisioning skipped",
			zap.String("provider_id", providerID), zap.Error(err))
		return outcome
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, rule := range rules {
		matched, err := s.ruleMatches(rule, attrs)
		if err != nil {
			outcome.RulesSkipped++
			metrics.ProvisioningRulesSkipped.Inc()
			s.log.Warn("skipping malformed rule",
				zap.String("rule_id", rule.ID), zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		if !matched {
			continue
		}
		if err := applyActions(&outcome, rule.Actions); err != nil {
			outcome.RulesSkipped++
			metrics.ProvisioningRulesSkipped.Inc()
			s.log.Warn("skipping rule with malformed action",
				zap.String("rule_id", rule.ID), zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		outcome.RulesApplied++
	}

	return outcome
}

// checkRuleShape rejects rules with unknown operators or action types at
// write time, so evaluation-time skips are reserved for rules that decayed
// after storage.
func checkRuleShape(rule *models.ProvisioningRule) error {
	for _, cond := range rule.Conditions {
		if strings.TrimSpace(cond.Type) == "" {
			return apperrors.NewConfiguration("rule condition has no attribute")
		}
		switch cond.Operator {
		case models.OperatorEquals, models.OperatorContains, models.OperatorStartsWith,
			models.OperatorEndsWith, models.OperatorIn, models.OperatorNotIn:
		default:
			return apperrors.NewConfiguration(fmt.Sprintf("unknown condition operator %q", cond.Operator))
		}
	}
	for _, action := range rule.Actions {
		switch action.Type {
		case models.ActionAssignRole, models.ActionAddToGroup:
			if action.Value == "" {
				return apperrors.NewConfiguration(fmt.Sprintf("%s action requires a value", action.Type))
			}
		case models.ActionSetAttribute:
			if action.Attribute == "" {
				return apperrors.NewConfiguration("set_attribute action requires an attribute name")
			}
		case models.ActionDeactivateUser:
		default:
			return apperrors.NewConfiguration(fmt.Sprintf("unknown action type %q", action.Type))
		}
	}
	return nil
}

func (s *ProvisioningService) ruleMatches(rule models.ProvisioningRule, attrs auth.CanonicalAttributes) (bool, error) {
	for _, cond := range rule.Conditions {
		ok, err := evaluateCondition(cond, attrs)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateCondition(cond models.ProvisioningCondition, attrs auth.CanonicalAttributes) (bool, error) {
	attrName := strings.TrimSpace(cond.Type)
	if attrName == "" {
		return false, errors.New("condition has no attribute")
	}

	values := attributeValues(attrs, attrName)

	switch cond.Operator {
	case models.OperatorEquals:
		want, err := conditionScalar(cond.Value)
		if err != nil {
			return false, err
		}
		return anyValue(values, func(v string) bool { return v == want }), nil
	case models.OperatorContains:
		want, err := conditionScalar(cond.Value)
		if err != nil {
			return false, err
		}
		return anyValue(values, func(v string) bool { return strings.Contains(v, want) }), nil
	case models.OperatorStartsWith:
		want, err := conditionScalar(cond.Value)
		if err != nil {
			return false, err
		}
		return anyValue(values, func(v string) bool { return strings.HasPrefix(v, want) }), nil
	case models.OperatorEndsWith:
		want, err := conditionScalar(cond.Value)
		if err != nil {
			return false, err
		}
		return anyValue(values, func(v string) bool { return strings.HasSuffix(v, want) }), nil
	case models.OperatorIn:
		want, err := conditionList(cond.Value)
		if err != nil {
			return false, err
		}
		return anyValue(values, func(v string) bool { return containsString(want, v) }), nil
	case models.OperatorNotIn:
		want, err := conditionList(cond.Value)
		if err != nil {
			return false, err
		}
		// Vacuously true for an absent attribute.
		return !anyValue(values, func(v string) bool { return containsString(want, v) }), nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

func applyActions(outcome *ProvisioningOutcome, actions []models.ProvisioningAction) error {
	for _, action := range actions {
		switch action.Type {
		case models.ActionAssignRole:
			if action.Value == "" {
				return errors.New("assign_role action has no role")
			}
			if !containsString(outcome.Roles, action.Value) {
				outcome.Roles = append(outcome.Roles, action.Value)
			}
		case models.ActionAddToGroup:
			if action.Value == "" {
				return errors.New("add_to_group action has no group")
			}
			if !containsString(outcome.Groups, action.Value) {
				outcome.Groups = append(outcome.Groups, action.Value)
			}
		case models.ActionSetAttribute:
			if action.Attribute == "" {
				return errors.New("set_attribute action has no attribute name")
			}
			outcome.Attributes[action.Attribute] = action.Value
		case models.ActionDeactivateUser:
			outcome.Deactivate = true
		default:
			return fmt.Errorf("unknown action %q", action.Type)
		}
	}
	return nil
}

// attributeValues resolves a condition attribute: canonical names match
// case-insensitively, anything else is looked up verbatim in the raw
// provider payload.
func attributeValues(attrs auth.CanonicalAttributes, name string) []string {
	if values := attrs.Values(name); len(values) > 0 {
		return values
	}
	if attrs.Raw == nil {
		return nil
	}
	switch v := attrs.Raw[name].(type) {
	case string:
		if v != "" {
			return []string{v}
		}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func conditionScalar(value any) (string, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", errors.New("condition has an empty value")
		}
		return v, nil
	case float64, int, int64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("condition value %T is not a scalar", value)
	}
}

func conditionList(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("condition list element %T is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("condition value %T is not a list", value)
	}
}

func anyValue(values []string, match func(string) bool) bool {
	for _, v := range values {
		if match(v) {
			return true
		}
	}
	return false
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
