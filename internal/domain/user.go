package domain

import "time"

// Role determina los privilegios de lectura de un usuario.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// User es de solo lectura para el chat: el registro vive fuera de este servicio.
type User struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserView es la representacion publica que reciben otros miembros de la organizacion.
type UserView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (u User) View() UserView {
	return UserView{ID: u.ID, DisplayName: u.DisplayName}
}

// Identity es la identidad verificada que se adjunta a una sesion al conectar.
type Identity struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	OrganizationID string `json:"organization_id,omitempty"`
	Role           Role   `json:"role"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// IdentityFromUser construye la identidad a partir del registro actual del usuario.
func IdentityFromUser(u User) Identity {
	role := u.Role
	if role == "" {
		role = RoleMember
	}
	return Identity{
		UserID:         u.ID,
		DisplayName:    u.DisplayName,
		OrganizationID: u.OrganizationID,
		Role:           role,
	}
}
