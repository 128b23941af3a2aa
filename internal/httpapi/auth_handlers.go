package httpapi

import (
	"net/http"
	"strconv"

	"befunny.io/auth/internal/audit"
	"befunny.io/auth/internal/auth"
)

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if len(req.Password) > auth.MaxPasswordBytes {
		writeError(w, r, http.StatusBadRequest, "password must be at most 72 bytes")
		return
	}
	user, err := a.issuer.Register(r.Context(), auth.Credentials{Login: req.Login, Password: req.Password})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.UserRegistered, map[string]any{"login": user.Login})
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeValid(w, r, &req) {
		return
	}
	pair, err := a.issuer.Login(r.Context(), auth.Credentials{Login: req.Login, Password: req.Password}, clientContext(r))
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.LoginFailed, map[string]any{
			"login":  req.Login,
			"reason": auth.ReasonOf(err),
			"remote": clientIP(r),
		})
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.LoginSucceeded, map[string]any{
		"login":  req.Login,
		"remote": clientIP(r),
	})
	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	token := req.RefreshToken
	if token == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		writeAuthError(w, r, &auth.Error{Kind: auth.KindUnauthorized, Reason: "missing token"})
		return
	}
	pair, err := a.issuer.Refresh(r.Context(), token, clientContext(r))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.TokensRefreshed, nil)
	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.issuer.Logout(r.Context(), token); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.Logout, nil)
	a.clearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	d, _ := auth.DecisionFromContext(r.Context())
	if d.Reissued != nil {
		_ = audit.LogEvent(r.Context(), audit.TokensReissued, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        newUserResponse(d.User),
		"permissions": nonNil(d.Claims.Permissions),
		"reissued":    d.Reissued != nil,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	d, _ := auth.DecisionFromContext(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := a.issuer.History(r.Context(), d.User.Login, limit)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	out := make([]loginRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, loginRecordResponse{
			UserAgent:  rec.UserAgent,
			DeviceID:   rec.DeviceID,
			RemoteAddr: rec.RemoteAddr,
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) handleChangeLogin(w http.ResponseWriter, r *http.Request) {
	var req changeLoginRequest
	if !decodeValid(w, r, &req) {
		return
	}
	d, _ := auth.DecisionFromContext(r.Context())
	user, pair, err := a.issuer.ChangeLogin(r.Context(), d.Claims, req.Login, clientContext(r))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.LoginChanged, map[string]any{"new_login": user.Login})
	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   newUserResponse(user),
		"tokens": newTokenResponse(pair),
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if len(req.Password) > auth.MaxPasswordBytes {
		writeError(w, r, http.StatusBadRequest, "password must be at most 72 bytes")
		return
	}
	d, _ := auth.DecisionFromContext(r.Context())
	pair, err := a.issuer.ChangePassword(r.Context(), d.Claims, req.Password, clientContext(r))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.PasswordChanged, nil)
	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
