package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/account"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

type addAccountRequest struct {
	Name      string `json:"name"`
	Cookie    string `json:"cookie"`
	IsDefault bool   `json:"isDefault"`
}

type assignAccountRequest struct {
	AccountID string `json:"accountId"`
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Accounts.ListAccounts(r.Context())
	if err != nil {
		s.logger.Error("list accounts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) addAccount(w http.ResponseWriter, r *http.Request) {
	var body addAccountRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := s.deps.Accounts.AddAccount(r.Context(), body.Name, body.Cookie, body.IsDefault)
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "account": acc})
}

func (s *Server) removeAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.RemoveAccount(r.Context(), chi.URLParam(r, "account_id")); err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) setDefaultAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.SetDefault(r.Context(), chi.URLParam(r, "account_id")); err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) accountSelf(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "account_id")
	rec, ok, err := s.deps.Accounts.Self(r.Context(), id)
	if err != nil {
		s.accountError(w, err)
		return
	}
	if !ok {
		// No snapshot yet; fetch one.
		if rec, err = s.deps.Accounts.RefreshSelf(r.Context(), id); err != nil {
			s.accountError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"self": rec})
}

func (s *Server) refreshAccountSelf(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Accounts.RefreshSelf(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"self": rec})
}

func (s *Server) assignAccount(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	var body assignAccountRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	if err := s.deps.Accounts.AssignGroup(r.Context(), groupID, body.AccountID); err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "group_id": groupID, "account_id": body.AccountID})
}

func (s *Server) groupAccount(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	acc, found := s.deps.Accounts.AccountForGroup(r.Context(), groupID)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "account": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "account": acc})
}

type detectedGroup struct {
	GroupID int64           `json:"group_id"`
	Account account.Summary `json:"account"`
}

func (s *Server) detectGroups(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	detected := s.deps.Accounts.BuildDetectionMap(r.Context(), force)
	out := make([]detectedGroup, 0, len(detected))
	for gid, acc := range detected {
		out = append(out, detectedGroup{GroupID: gid, Account: acc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	writeJSON(w, http.StatusOK, map[string]any{"groups": out, "total": len(out)})
}

func (s *Server) accountError(w http.ResponseWriter, err error) {
	var apiErr *zsxq.APIError
	switch {
	case errors.Is(err, account.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "账号不存在")
	case errors.Is(err, account.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, "cookie is required")
	case errors.Is(err, zsxq.ErrAuthExpired):
		code, msg, _ := zsxq.ExpiryDetails(err)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "会员已过期", "expired": true, "code": code, "message": msg})
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Error())
	default:
		s.logger.Error("account operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "account operation failed")
	}
}
