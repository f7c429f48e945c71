package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zsiec/peerdecode/internal/errors"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/receive"
	"github.com/zsiec/peerdecode/internal/receive/types"
	"github.com/zsiec/peerdecode/pkg/version"
)

// StreamListResponse is returned by GET /api/v1/streams
type StreamListResponse struct {
	Streams  []receive.StreamInfo `json:"streams"`
	Count    int                  `json:"count"`
	Strategy string               `json:"strategy"`
}

// PeerRemovedResponse is returned by DELETE /api/v1/peers/{peer_id}
type PeerRemovedResponse struct {
	PeerID         string `json:"peer_id"`
	StreamsRemoved int    `json:"streams_removed"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.GetInfo())
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams := s.streams.Streams()
	s.writeJSON(w, r, http.StatusOK, StreamListResponse{
		Streams:  streams,
		Count:    len(streams),
		Strategy: s.streams.Strategy(),
	})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	key, err := streamKeyFromRequest(r)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}

	info, ok := s.streams.Stream(key)
	if !ok {
		s.errorHandler.HandleError(w, r, errors.NewNotFoundError("stream"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	key, err := streamKeyFromRequest(r)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}

	if !s.streams.StopStream(key) {
		s.errorHandler.HandleError(w, r, errors.NewNotFoundError("stream"))
		return
	}

	logger.FromContext(r.Context()).WithField("stream", key.String()).Info("Stream stopped via API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peer_id"]

	removed := s.streams.RemovePeer(peerID)
	if removed == 0 {
		s.errorHandler.HandleError(w, r, errors.NewNotFoundError("peer"))
		return
	}

	logger.FromContext(r.Context()).WithFields(map[string]interface{}{
		"peer_id":         peerID,
		"streams_removed": removed,
	}).Info("Peer removed via API")

	s.writeJSON(w, r, http.StatusOK, PeerRemovedResponse{PeerID: peerID, StreamsRemoved: removed})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorHandler.HandleError(w, r, errors.NewServiceDownError("registry"))
		return
	}

	records, err := s.registry.List(r.Context())
	if err != nil {
		s.errorHandler.HandleError(w, r, errors.WrapInternalError(err, "failed to list registry"))
		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"streams": records,
		"count":   len(records),
	})
}

func streamKeyFromRequest(r *http.Request) (types.StreamKey, error) {
	vars := mux.Vars(r)
	kind, err := types.ParseMediaKind(vars["media_kind"])
	if err != nil {
		return types.StreamKey{}, errors.NewValidationError(err.Error())
	}
	return types.StreamKey{PeerID: vars["peer_id"], MediaKind: kind}, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode response")
	}
}
