package models

import (
	"time"
)

// BaseModel provides common fields for all database models.
// Rows are never deleted by this service, so there is no soft-delete column.
type BaseModel struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// User is the account row an entitlement is foreign-keyed to.
// Account creation and login live outside this service; the table only has to
// carry the identifiers referenced by subscriptions.
type User struct {
	BaseModel
	UserID string `json:"user_id" gorm:"size:64;not null;uniqueIndex"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
