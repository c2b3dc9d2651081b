package store

import "time"

// Permissions are the per-account capability flags.
type Permissions struct {
	CanScan        bool `json:"can_scan"`
	CanConnect     bool `json:"can_connect"`
	CanManageUsers bool `json:"can_manage_users"`
}

// Account represents an operator account.
// PasswordHash is hidden from API/JSON serialization via json:"-".
type Account struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"-"`
	Role         string      `json:"role"`
	LastLogin    string      `json:"last_login"`
	LastLogout   string      `json:"last_logout,omitempty"`
	Permissions  Permissions `json:"permissions"`
	CreatedAt    time.Time   `json:"created_at"`
}

// accountStorage is the internal struct used for DB serialization,
// preserving the password hash on disk.
type accountStorage struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"password_hash"`
	Role         string      `json:"role"`
	LastLogin    string      `json:"last_login"`
	LastLogout   string      `json:"last_logout,omitempty"`
	Permissions  Permissions `json:"permissions"`
	CreatedAt    time.Time   `json:"created_at"`
}

func toStorage(acc *Account) accountStorage {
	return accountStorage{
		ID:           acc.ID,
		Username:     acc.Username,
		PasswordHash: acc.PasswordHash,
		Role:         acc.Role,
		LastLogin:    acc.LastLogin,
		LastLogout:   acc.LastLogout,
		Permissions:  acc.Permissions,
		CreatedAt:    acc.CreatedAt,
	}
}

func (st accountStorage) account() *Account {
	return &Account{
		ID:           st.ID,
		Username:     st.Username,
		PasswordHash: st.PasswordHash,
		Role:         st.Role,
		LastLogin:    st.LastLogin,
		LastLogout:   st.LastLogout,
		Permissions:  st.Permissions,
		CreatedAt:    st.CreatedAt,
	}
}
