package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"befunny.io/auth/internal/auth"
)

var validate = validator.New()

type credentialsRequest struct {
	Login    string `json:"login" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Login    string `json:"login" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changeLoginRequest struct {
	Login string `json:"login" validate:"required,min=3,max=64"`
}

type changePasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,min=1,max=64"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type updateRoleRequest struct {
	Name        *string   `json:"name" validate:"omitempty,min=1,max=64"`
	Permissions *[]string `json:"permissions" validate:"omitempty,dive,required"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,dive,required"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id" validate:"required"`
}

type tokenResponse struct {
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	TokenType        string     `json:"token_type"`
	AccessExpiresAt  *time.Time `json:"access_expires_at,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

func newTokenResponse(p auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  optionalTime(p.AccessExpiresAt),
		RefreshExpiresAt: optionalTime(p.RefreshExpiresAt),
	}
}

type roleResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newRoleResponse(r auth.Role) roleResponse {
	perms := r.Permissions
	if perms == nil {
		perms = []string{}
	}
	return roleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Permissions: perms,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// userResponse never carries the password digest.
type userResponse struct {
	ID        string        `json:"id"`
	Login     string        `json:"login"`
	Active    bool          `json:"active"`
	Role      *roleResponse `json:"role,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func newUserResponse(u auth.User) userResponse {
	out := userResponse{
		ID:        u.ID,
		Login:     u.Login,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
	}
	if u.Role != nil {
		rr := newRoleResponse(*u.Role)
		out.Role = &rr
	}
	return out
}

type loginRecordResponse struct {
	UserAgent  string    `json:"user_agent"`
	DeviceID   string    `json:"device_id"`
	RemoteAddr string    `json:"remote_addr"`
	CreatedAt  time.Time `json:"created_at"`
}

type permissionResponse struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

type diffResponse struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

func newDiffResponse(d auth.PermissionDiff) diffResponse {
	out := diffResponse{Added: d.Added, Removed: d.Removed}
	if out.Added == nil {
		out.Added = []string{}
	}
	if out.Removed == nil {
		out.Removed = []string{}
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeValid decodes and validates dst, writing a 400 on failure.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(msgs, "; ")
}
