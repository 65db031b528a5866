package identity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap handles JSON-encoded database columns.
type JSONMap map[string]interface{}

// Scan implements sql.Scanner.
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported JSONMap column type %T", value)
	}
}

// Value implements driver.Valuer.
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// StringList handles JSON-encoded string array columns. Stored as JSON text
// so the same schema works on both SQL drivers.
type StringList []string

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported StringList column type %T", value)
	}
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// User is a platform identity. The credential fields never cross the wire.
type User struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Username     string     `json:"username" db:"username"`
	FullName     string     `json:"full_name" db:"full_name"`
	KDFName      string     `json:"-" db:"kdf_name"`
	KDFCost      int        `json:"-" db:"kdf_cost"`
	PasswordHash string     `json:"-" db:"password_hash"`
	OrgID        string     `json:"org_id" db:"org_id"`
	TeamIDs      StringList `json:"team_ids" db:"team_ids"`
	Roles        StringList `json:"roles" db:"roles"`
	MFAEnrolled  bool       `json:"mfa_enrolled" db:"mfa_enrolled"`
	MFASecret    string     `json:"-" db:"mfa_secret"`
	Active       bool       `json:"active" db:"active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	Preferences  JSONMap    `json:"preferences,omitempty" db:"preferences"`
}
