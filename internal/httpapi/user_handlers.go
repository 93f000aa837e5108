package httpapi

import (
	"net/http"
	"strings"

	"authgate.org/internal/auth"
)

const adminRole = "admin"

type createUserRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	FullName string   `json:"full_name"`
	Phone    string   `json:"phone"`
	RoleIDs  []string `json:"role_ids"`
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	FullName *string `json:"full_name"`
	Phone    *string `json:"phone"`
	Status   *string `json:"status"`
	Password *string `json:"password"`
}

type assignRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), adminRole); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.createUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), adminRole); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/roles"); ok {
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.assignRoles(w, r, id)
		return
	}

	if id, ok := strings.CutSuffix(path, "/force-logout"); ok {
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.forceLogout(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getUser(w, r, path)
	case http.MethodPut:
		a.updateUser(w, r, path)
	case http.MethodDelete:
		a.deleteUser(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), adminRole); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	roles, err := a.admin.ListRoles(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePositiveInt(r.URL.Query().Get("page"), 1, 1, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	size, err := parsePositiveInt(r.URL.Query().Get("size"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "size must be between 1 and 100")
		return
	}

	var result *auth.UserPage
	if keyword := strings.TrimSpace(r.URL.Query().Get("keyword")); keyword != "" {
		result, err = a.admin.SearchUsers(r.Context(), keyword, page, size)
	} else {
		result, err = a.admin.ListUsers(r.Context(), page, size)
	}
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username, email and password are required")
		return
	}

	user, err := a.admin.CreateUser(r.Context(), auth.RegisterInput{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
		FullName: strings.TrimSpace(req.FullName),
		Phone:    strings.TrimSpace(req.Phone),
	}, req.RoleIDs)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	user, err := a.admin.GetUser(r.Context(), id)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, id string) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.admin.UpdateUser(r.Context(), id, auth.UserUpdate{
		Email:    req.Email,
		FullName: req.FullName,
		Phone:    req.Phone,
		Status:   req.Status,
		Password: req.Password,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.admin.DeleteUser(r.Context(), id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignRoles(w http.ResponseWriter, r *http.Request, id string) {
	var req assignRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.RoleIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "role_ids is required")
		return
	}

	if err := a.admin.AssignRoles(r.Context(), id, req.RoleIDs); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "roles updated"})
}

func (a *API) forceLogout(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.svc.ForceLogout(r.Context(), id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
