package httpapi

import (
	"net/http"

	"mediateca.org/internal/audit"
	"mediateca.org/internal/auth"
)

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var in auth.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	view, err := a.svc.Register(r.Context(), in)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user_id": view.ID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"user": view})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var in auth.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Login(r.Context(), in, clientIP(r), r.UserAgent())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id": res.User.ID,
		"ip":      clientIP(r),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var in auth.ChangePasswordInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.ChangePassword(r.Context(), principal.UserID, in); err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.password.changed", nil)
	// The secret rotation just invalidated the caller's own token.
	writeJSON(w, http.StatusOK, map[string]any{"status": "password changed, please log in again"})
}

func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var in auth.ResetRequestInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.RequestPasswordReset(r.Context(), in); err != nil {
		handleAuthError(w, r, err)
		return
	}
	// Identical response whether or not the address is registered.
	writeJSON(w, http.StatusOK, map[string]any{"status": "if the address is registered, a reset link has been sent"})
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var in auth.ResetConfirmInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.ConfirmPasswordReset(r.Context(), in); err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.password.reset", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password reset, please log in"})
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

func (a *API) handleAccount(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := a.svc.GetUser(r.Context(), principal.UserID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": view})
	case http.MethodDelete:
		var in deleteAccountRequest
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.DeleteAccount(r.Context(), principal.UserID, in.Password); err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.account.deleted", nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "account deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

type creditsRequest struct {
	Amount int64 `json:"amount"`
}

func (a *API) handleCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var in creditsRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	balance, err := a.svc.AddCredits(r.Context(), principal.UserID, in.Amount)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "account.credits", map[string]any{
		"amount":  in.Amount,
		"balance": balance,
	})
	writeJSON(w, http.StatusOK, map[string]any{"credits": balance})
}

func (a *API) handleAccessList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	prints, err := a.svc.ListAccess(r.Context(), principal.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(prints))
	for _, p := range prints {
		out = append(out, map[string]any{
			"ip":           p.IP,
			"user_agent":   p.UserAgent,
			"hits":         p.Hits,
			"last_seen_at": p.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": out})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		profile, err := a.svc.GetProfile(r.Context(), principal.UserID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"profile": profileResponse(profile)})
	case http.MethodPut:
		var in auth.ProfileInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.UpdateProfile(r.Context(), principal.UserID, in); err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "account.profile.updated", nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "profile updated"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func profileResponse(p *auth.Profile) map[string]any {
	out := map[string]any{}
	if p.BirthDate != nil {
		out["birth_date"] = p.BirthDate.Format("2006-01-02")
	}
	for key, val := range map[string]*string{
		"birth_city":     p.BirthCity,
		"birth_province": p.BirthProvince,
		"gender":         p.Gender,
		"street":         p.Street,
		"city":           p.City,
		"province":       p.Province,
		"postal_code":    p.PostalCode,
		"country":        p.Country,
	} {
		if val != nil {
			out[key] = *val
		}
	}
	return out
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !principal.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	views, err := a.svc.ListUsers(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": views})
}
