package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"secondlayer/internal/dispatcher"
	"secondlayer/internal/models"
	"secondlayer/internal/streams"
	"secondlayer/internal/usage"

	"github.com/gorilla/mux"
)

// ownedStream loads a stream and checks the caller owns it. Writes the
// response on failure and returns nil.
func (s *Server) ownedStream(w http.ResponseWriter, r *http.Request) *models.Stream {
	id := mux.Vars(r)["id"]
	stream, err := s.streams.GetStream(r.Context(), id)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return nil
	}
	if stream == nil {
		writeError(w, CodeStreamNotFound, "stream not found")
		return nil
	}

	caller := callerFromContext(r.Context())
	if keys := caller.ScopeKeys(); keys != nil {
		owned := false
		for _, k := range keys {
			if k == stream.OwnerKeyID {
				owned = true
				break
			}
		}
		if !owned {
			writeError(w, CodeAuthorizationError, "stream belongs to another account")
			return nil
		}
	}
	return stream
}

type createStreamRequest struct {
	Name       string               `json:"name"`
	Filters    []models.Filter      `json:"filters"`
	Options    models.StreamOptions `json:"options"`
	WebhookURL string               `json:"webhookUrl"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())

	// Streams are owned by the API key that created them. JWT and dev-mode
	// callers carry no key id, so there is nothing to stamp as owner.
	if caller == nil || caller.KeyID == "" {
		writeError(w, CodeValidationError, "stream creation requires API key authentication")
		return
	}

	allowed, exceeded, err := s.checkPlan(r.Context(), caller, usage.ScopeStreamCreate)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if !allowed {
		writeError(w, CodeLimitExceeded, "plan limit exceeded: "+exceeded)
		return
	}

	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeValidationError, "invalid JSON body")
		return
	}

	stream := &models.Stream{
		Name:       req.Name,
		Filters:    req.Filters,
		Options:    req.Options,
		WebhookURL: req.WebhookURL,
		OwnerKeyID: caller.KeyID,
	}
	if err := s.streams.CreateStream(r.Context(), stream); err != nil {
		writeError(w, CodeValidationError, err.Error())
		return
	}

	// The secret is returned once, on creation.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"stream":        stream,
		"webhookSecret": stream.WebhookSecret,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	list, err := s.streams.ListStreams(r.Context(), caller.ScopeKeys())
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if list == nil {
		list = []models.Stream{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": list})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	metrics, err := s.streams.GetMetrics(r.Context(), stream.ID)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stream": stream, "metrics": metrics})
}

type updateStreamRequest struct {
	Name       *string               `json:"name"`
	Filters    []models.Filter       `json:"filters"`
	Options    *models.StreamOptions `json:"options"`
	WebhookURL *string               `json:"webhookUrl"`
}

func (s *Server) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	var req updateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeValidationError, "invalid JSON body")
		return
	}

	updated, err := s.streams.UpdateStream(r.Context(), stream.ID, streams.StreamUpdate{
		Name:       req.Name,
		Filters:    req.Filters,
		Options:    req.Options,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		writeError(w, CodeValidationError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stream": updated})
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	if _, err := s.streams.DeleteStream(r.Context(), stream.ID); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleStreamAction(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	action := mux.Vars(r)["action"]
	status, err := s.streams.ApplyAction(r.Context(), stream.ID, action)
	if err != nil {
		writeError(w, CodeValidationError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": stream.ID, "status": status})
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	secret, err := s.streams.RotateSecret(r.Context(), stream.ID)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": stream.ID, "webhookSecret": secret})
}

func (s *Server) handleBulkAction(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	keys := caller.ScopeKeys()
	if keys == nil {
		writeError(w, CodeValidationError, "bulk actions require an account-scoped caller")
		return
	}

	action := mux.Vars(r)["action"]
	n, err := s.streams.BulkAction(r.Context(), keys, action)
	if err != nil {
		writeError(w, CodeValidationError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

type triggerRequest struct {
	BlockHeight uint64 `json:"blockHeight"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlockHeight == 0 {
		writeError(w, CodeValidationError, "blockHeight is required")
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), stream.ID, req.BlockHeight, false)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":       jobID,
		"blockHeight": req.BlockHeight,
	})
}

type replayRequest struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeValidationError, "invalid JSON body")
		return
	}
	if req.FromBlock == 0 || req.ToBlock < req.FromBlock {
		writeError(w, CodeValidationError, "fromBlock and toBlock must form a valid range")
		return
	}

	// Only canonical heights are replayed; absent heights are skipped.
	heights, err := s.repo.GetCanonicalHeightsInRange(r.Context(), req.FromBlock, req.ToBlock)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	n, err := s.queue.EnqueueBatch(r.Context(), stream.ID, heights, true)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobCount":  n,
		"fromBlock": req.FromBlock,
		"toBlock":   req.ToBlock,
	})
}

func (s *Server) handleReplayFailed(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	heights, err := s.queue.DistinctFailedHeights(r.Context(), stream.ID)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}

	// Replay-failed re-enqueues the distinct failed heights that are still
	// canonical; workers skip any that reorged away since.
	n, err := s.queue.EnqueueBatch(r.Context(), stream.ID, heights, true)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"jobCount": n})
}

// handleTestStream sends a synthetic signed payload to the stream's webhook
// so users can verify their receiver before going live.
func (s *Server) handleTestStream(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"streamId":   stream.ID,
		"streamName": stream.Name,
		"network":    s.cfg.Network,
		"test":       true,
		"matches": map[string]interface{}{
			"transactions": []interface{}{},
			"events":       []interface{}{},
		},
		"deliveredAt": time.Now().UTC(),
	})
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}

	res := s.backend.Dispatch(r.Context(), stream.WebhookURL, payload, stream.WebhookSecret,
		&dispatcher.Options{MaxAttempts: 1})
	body := map[string]interface{}{
		"success":        res.Success,
		"statusCode":     res.StatusCode,
		"responseTimeMs": res.ResponseTimeMs,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	stream := s.ownedStream(w, r)
	if stream == nil {
		return
	}

	q := r.URL.Query()
	outcome := q.Get("outcome")
	if outcome != "" && outcome != models.DeliverySuccess && outcome != models.DeliveryFailed {
		writeError(w, CodeValidationError, fmt.Sprintf("outcome must be %q or %q", models.DeliverySuccess, models.DeliveryFailed))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := s.streams.ListDeliveries(r.Context(), stream.ID, outcome, limit, offset)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if list == nil {
		list = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": list})
}
