package model

import (
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"

	"nostr-relay-tray/nrt/common/ttime"
)

const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

const (
	OperatorIn    = "IN"
	OperatorNotIn = "NOT_IN"
)

const (
	FieldID      = "id"
	FieldAuthor  = "author"
	FieldKind    = "kind"
	FieldTag     = "tag"
	FieldContent = "content"
)

func ValidAction(a string) bool { return a == ActionAllow || a == ActionBlock }

// Inverse returns the opposite rule action.
func Inverse(a string) string {
	if a == ActionBlock {
		return ActionAllow
	}
	return ActionBlock
}

type RuleCondition struct {
	FieldName string `json:"fieldName,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Values    []any  `json:"values"`
}

// Conditions is stored as a JSON text column.
type Conditions []RuleCondition

func (c Conditions) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]RuleCondition(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *Conditions) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("Conditions Scan: unsupported src type %T", value)
	}
	if len(raw) == 0 {
		*c = nil
		return nil
	}
	var out []RuleCondition
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("Conditions Scan: %w", err)
	}
	*c = out
	return nil
}

type Rule struct {
	Id          int64      `gorm:"column:id;primaryKey" json:"id"`
	Name        string     `gorm:"column:name" json:"name"`
	Description string     `gorm:"column:description" json:"description,omitempty"`
	Action      string     `gorm:"column:action" json:"action"`
	Enabled     bool       `gorm:"column:enabled" json:"enabled"`
	Conditions  Conditions `gorm:"column:conditions" json:"conditions"`

	CreateDateTime *ttime.TimeFormat `gorm:"column:create_date_time" json:"create_date_time,omitempty"`
	UpdateDateTime *ttime.TimeFormat `gorm:"column:update_date_time" json:"update_date_time,omitempty"`
}

func (Rule) TableName() string { return "rule" }

// NewRule is the payload for rule creation.
type NewRule struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Action      string          `json:"action"`
	Enabled     bool            `json:"enabled"`
	Conditions  []RuleCondition `json:"conditions"`
}

// RuleUpdate is a partial update; nil fields are left as they are.
type RuleUpdate struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Action      *string          `json:"action"`
	Enabled     *bool            `json:"enabled"`
	Conditions  *[]RuleCondition `json:"conditions"`
}
