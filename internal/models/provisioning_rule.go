package models

import "gorm.io/datatypes"

// Condition operators supported by the provisioning engine.
const (
	OperatorEquals     = "equals"
	OperatorContains   = "contains"
	OperatorStartsWith = "startsWith"
	OperatorEndsWith   = "endsWith"
	OperatorIn         = "in"
	OperatorNotIn      = "notIn"
)

// Action types supported by the provisioning engine.
const (
	ActionAssignRole     = "assign_role"
	ActionAddToGroup     = "add_to_group"
	ActionSetAttribute   = "set_attribute"
	ActionDeactivateUser = "deactivate_user"
)

// Rule triggers.
const (
	TriggerLogin = "login"
	TriggerSync  = "sync"
)

// ProvisioningCondition tests one canonical attribute. All conditions on a
// rule must hold (AND) for its actions to apply.
type ProvisioningCondition struct {
	// Type names the canonical attribute under test (department, title, ...).
	Type     string `json:"type"`
	Operator string `json:"operator"`
	// Value is a string for scalar operators and a list for in/notIn.
	Value any `json:"value"`
}

// ProvisioningAction mutates the user being provisioned.
type ProvisioningAction struct {
	Type string `json:"type"`
	// Value carries the role or group name, or the attribute value for
	// set_attribute.
	Value string `json:"value,omitempty"`
	// Attribute names the target field for set_attribute actions.
	Attribute string `json:"attribute,omitempty"`
}

// ProvisioningRule assigns roles, groups, and flags based on canonical
// attributes. Rules are pure data: evaluation is a function of the user's
// attributes and the rule list, nothing else.
type ProvisioningRule struct {
	BaseModel

	ProviderID string `gorm:"type:uuid;not null;index" json:"provider_id"`
	Name       string `json:"name"`
	Trigger    string `gorm:"column:trigger_on;default:login" json:"trigger"`
	Priority   int    `gorm:"index" json:"priority"`
	IsActive   bool   `gorm:"default:true" json:"is_active"`

	Conditions datatypes.JSONSlice[ProvisioningCondition] `json:"conditions"`
	Actions    datatypes.JSONSlice[ProvisioningAction]    `json:"actions"`
}
