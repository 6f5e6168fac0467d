package http

import (
	"net/http"

	"github.com/namastexlabs/automagik-omni/internal/access"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

// accessHandler serves access rule CRUD and the standalone admission check
// endpoint (spec.md §6: /access/rules, /access/check).
type accessHandler struct {
	access store.AccessRuleStore
}

func (h *accessHandler) handleList(w http.ResponseWriter, r *http.Request) {
	instanceName := r.URL.Query().Get("instance_name")
	rules, err := h.access.ListRules(r.Context(), instanceName)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *accessHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var rule store.AccessRule
	if err := decodeJSON(w, r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if rule.PhoneNumber == "" || (rule.RuleType != store.RuleAllow && rule.RuleType != store.RuleBlock) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "phone_number and a valid rule_type are required"})
		return
	}
	created, err := h.access.CreateRule(r.Context(), rule)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *accessHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.access.DeleteRule(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if err == store.ErrRuleNotFound {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type checkRequest struct {
	InstanceName string `json:"instance_name"`
	PeerID       string `json:"peer_id"`
}

func (h *accessHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	candidates, err := h.access.ListCandidates(r.Context(), req.InstanceName)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	decision := access.Evaluate(req.InstanceName, req.PeerID, candidates)
	resp := map[string]interface{}{"allowed": decision.Allowed}
	if decision.MatchedRule != nil {
		resp["matched_rule"] = decision.MatchedRule
	}
	writeJSON(w, http.StatusOK, resp)
}
