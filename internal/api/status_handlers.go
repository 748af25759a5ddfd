package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus is the operational snapshot: chain progress, queue depth,
// stream and view health, recent delivery outcomes. It aggregates several
// queries, so the response is cached briefly.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusCache.mu.Lock()
	if time.Now().Before(s.statusCache.expiresAt) && s.statusCache.payload != nil {
		payload := s.statusCache.payload
		s.statusCache.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
		return
	}
	s.statusCache.mu.Unlock()

	ctx := r.Context()
	body := map[string]interface{}{
		"status":  "ok",
		"network": s.cfg.Network,
		"commit":  BuildCommit,
	}

	if err := s.repo.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = map[string]interface{}{"healthy": false, "error": err.Error()}
	} else {
		body["database"] = map[string]interface{}{"healthy": true}
	}

	if tip, err := s.repo.GetChainTip(ctx); err == nil {
		body["chainTip"] = tip
	}
	if progress, err := s.repo.GetIndexProgress(ctx, s.cfg.Network); err == nil {
		body["indexProgress"] = map[string]interface{}{
			"lastIndexedHeight":    progress.LastIndexedHeight,
			"lastContiguousHeight": progress.LastContiguousHeight,
			"highestSeenHeight":    progress.HighestSeenHeight,
			"updatedAt":            progress.UpdatedAt,
		}
	}
	if missing, err := s.repo.CountMissing(ctx); err == nil {
		gaps, _ := s.repo.FindGaps(ctx, 5)
		body["integrity"] = map[string]interface{}{
			"missingBlocks": missing,
			"gaps":          gaps,
		}
	}

	if stats, err := s.queue.Stats(ctx); err == nil {
		body["queue"] = stats
	}

	if counts, err := s.streams.CountByStatus(ctx); err == nil {
		body["streams"] = counts
	}
	if success, failed, err := s.streams.RecentDeliveryCount(ctx, time.Hour); err == nil {
		body["deliveriesLastHour"] = map[string]int64{"success": success, "failed": failed}
	}

	viewHealth := make([]map[string]interface{}, 0)
	for _, v := range s.cache.GetAll(nil) {
		viewHealth = append(viewHealth, map[string]interface{}{
			"name":                v.Name,
			"status":              v.Status,
			"lastProcessedHeight": v.LastProcessedHeight,
			"totalProcessed":      v.TotalProcessed,
			"totalErrors":         v.TotalErrors,
		})
	}
	body["views"] = viewHealth

	payload, err := json.Marshal(body)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(payload); err != nil {
		log.Printf("[api] status write failed: %v", err)
	}
}
