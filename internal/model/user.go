package model

import "time"

// User запись каталога пользователей портала
type User struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Username    string    `gorm:"size:120;uniqueIndex;not null" json:"username"`
	Password    string    `gorm:"size:100" json:"-"` // bcrypt; пустой у пользователей без входа по паролю
	DisplayName string    `gorm:"size:190" json:"displayName"`
	Role        string    `gorm:"size:60;index" json:"role"` // роль в организации: employee, manager, hr ...
	IsAdmin     bool      `gorm:"not null;default:false" json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (u *User) EnsureDisplayName() {
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
}
