package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"befunny.io/auth/internal/audit"
	"befunny.io/auth/internal/auth"
)

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.admin.ListRoles(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, newRoleResponse(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !decodeValid(w, r, &req) {
		return
	}
	role, err := a.admin.CreateRole(r.Context(), req.Name, req.Permissions)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.RoleCreated, map[string]any{
		"role_id":     role.ID,
		"name":        role.Name,
		"permissions": len(role.Permissions),
	})
	w.Header().Set("Location", fmt.Sprintf("/api/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, newRoleResponse(role))
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.admin.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoleResponse(role))
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !decodeValid(w, r, &req) {
		return
	}
	roleID := chi.URLParam(r, "roleID")
	role, err := a.admin.UpdateRole(r.Context(), roleID, auth.RoleUpdate{
		Name:        req.Name,
		Permissions: req.Permissions,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.RoleUpdated, map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	writeJSON(w, http.StatusOK, newRoleResponse(role))
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	if err := a.admin.DeleteRole(r.Context(), roleID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.RoleDeleted, map[string]any{"role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetPermissions(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if !decodeValid(w, r, &req) {
		return
	}
	roleID := chi.URLParam(r, "roleID")
	diff, err := a.admin.SetPermissions(r.Context(), roleID, req.Permissions)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.PermissionsSet, map[string]any{
		"role_id": roleID,
		"added":   diff.Added,
		"removed": diff.Removed,
	})
	writeJSON(w, http.StatusOK, newDiffResponse(diff))
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !decodeValid(w, r, &req) {
		return
	}
	login := chi.URLParam(r, "login")
	user, err := a.admin.AssignRole(r.Context(), login, req.RoleID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.RoleAssigned, map[string]any{
		"login":   user.Login,
		"role_id": req.RoleID,
	})
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.admin.ListPermissions(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{ID: p.ID, Key: p.Key, CreatedAt: p.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}
