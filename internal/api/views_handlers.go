package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"secondlayer/internal/models"
	"secondlayer/internal/usage"
	"secondlayer/internal/views"

	"github.com/gorilla/mux"
)

type deployViewRequest struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	Handler    json.RawMessage `json:"handler"`
	Reindex    bool            `json:"reindex"`
	FromBlock  uint64          `json:"fromBlock"`
	ToBlock    uint64          `json:"toBlock"`
}

func (s *Server) handleDeployView(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())

	// Views are owned by the API key that deployed them, same as streams.
	if caller == nil || caller.KeyID == "" {
		writeError(w, CodeValidationError, "view deployment requires API key authentication")
		return
	}

	allowed, exceeded, err := s.checkPlan(r.Context(), caller, usage.ScopeViewCreate)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if !allowed {
		writeError(w, CodeLimitExceeded, "plan limit exceeded: "+exceeded)
		return
	}

	var req deployViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeValidationError, "invalid JSON body")
		return
	}
	if req.Name == "" || len(req.Definition) == 0 || len(req.Handler) == 0 {
		writeError(w, CodeValidationError, "name, definition and handler are required")
		return
	}

	// Physical schemas are namespaced per account so two tenants can both
	// deploy a view called "trades".
	account, err := s.repo.GetAccount(r.Context(), caller.AccountID)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if account == nil {
		writeError(w, CodeAuthenticationError, "account not found")
		return
	}

	view, err := s.registry.Deploy(r.Context(), views.DeployRequest{
		Name:         req.Name,
		OwnerKeyID:   caller.KeyID,
		SchemaPrefix: account.SchemaPrefix,
		Definition:   req.Definition,
		Handler:      req.Handler,
		Reindex:      req.Reindex,
		FromHeight:   req.FromBlock,
		ToHeight:     req.ToBlock,
	})
	if err != nil {
		writeError(w, CodeValidationError, err.Error())
		return
	}

	if err := s.cache.Refresh(r.Context()); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"view": view})
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	list := s.cache.GetAll(caller.ScopeKeys())
	if list == nil {
		list = []models.View{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": list})
}

// ownedView resolves {view} for the caller. Writes the response on failure
// and returns nil.
func (s *Server) ownedView(w http.ResponseWriter, r *http.Request) *models.View {
	name := mux.Vars(r)["view"]
	caller := callerFromContext(r.Context())
	view := s.cache.Get(name, caller.ScopeKeys())
	if view == nil {
		writeError(w, CodeViewNotFound, "view not found")
		return nil
	}
	return view
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	view := s.ownedView(w, r)
	if view == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"view": view})
}

func (s *Server) handleDeleteView(w http.ResponseWriter, r *http.Request) {
	view := s.ownedView(w, r)
	if view == nil {
		return
	}

	deleted, err := s.registry.Delete(r.Context(), view.ID)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if !deleted {
		writeError(w, CodeViewNotFound, "view not found")
		return
	}
	if err := s.cache.Refresh(r.Context()); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type reindexRequest struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
}

func (s *Server) handleReindexView(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := callerFromContext(r.Context())

	view := s.cache.GetByID(id)
	if view == nil {
		writeError(w, CodeViewNotFound, "view not found")
		return
	}
	if keys := caller.ScopeKeys(); keys != nil {
		owned := false
		for _, k := range keys {
			if k == view.OwnerKeyID {
				owned = true
				break
			}
		}
		if !owned {
			writeError(w, CodeAuthorizationError, "view belongs to another account")
			return
		}
	}

	var req reindexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeValidationError, "invalid JSON body")
		return
	}
	if req.FromBlock == 0 || req.ToBlock < req.FromBlock {
		writeError(w, CodeValidationError, "fromBlock and toBlock must form a valid range")
		return
	}

	// Reindexing can take minutes; run it detached from the request context.
	go func() {
		if err := s.registry.Reindex(context.Background(), view.ID, req.FromBlock, req.ToBlock); err != nil {
			log.Printf("[api] reindex of %s failed: %v", view.Name, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":        view.ID,
		"status":    models.ViewStatusReindexing,
		"fromBlock": req.FromBlock,
		"toBlock":   req.ToBlock,
	})
}

func (s *Server) handleQueryView(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	caller := callerFromContext(r.Context())

	res, err := s.engine.Query(r.Context(), vars["view"], vars["table"], caller.ScopeKeys(), r.URL.Query())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	if res.Data == nil {
		res.Data = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": res.Data,
		"meta": map[string]interface{}{
			"total":  res.Total,
			"limit":  res.Limit,
			"offset": res.Offset,
		},
	})
}

func (s *Server) handleCountView(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	caller := callerFromContext(r.Context())

	count, err := s.engine.Count(r.Context(), vars["view"], vars["table"], caller.ScopeKeys(), r.URL.Query())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleGetViewRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	caller := callerFromContext(r.Context())

	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, CodeValidationError, "row id must be numeric")
		return
	}

	row, err := s.engine.GetRow(r.Context(), vars["view"], vars["table"], caller.ScopeKeys(), id)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": row})
}
