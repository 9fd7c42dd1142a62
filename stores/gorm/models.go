package gorm

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONMap stores the opaque profile payload as a JSON column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// UserModel is the users table.
type UserModel struct {
	ID                string    `gorm:"primaryKey;size:64"`
	Email             string    `gorm:"size:255;uniqueIndex"`
	EmailVerified     bool      `gorm:"default:false"`
	EmailTokenHash    string    `gorm:"size:128;index"`
	EmailTokenExpires time.Time
	Profile           JSONMap   `gorm:"type:jsonb"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

func (UserModel) TableName() string { return "users" }

// AccountModel is the linked_accounts table. The composite primary key is
// the uniqueness constraint the core's concurrency model relies on: a second
// concurrent insert for the same (provider, provider_account_id) fails and
// the core resolves to the winner.
type AccountModel struct {
	Provider          string    `gorm:"primaryKey;size:64"`
	ProviderAccountID string    `gorm:"primaryKey;size:255"`
	UserID            string    `gorm:"size:64;index"`
	DisplayName       string    `gorm:"size:255"`
	LinkedAt          time.Time `gorm:"autoCreateTime"`
}

func (AccountModel) TableName() string { return "linked_accounts" }
