package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/zsiec/rcvbuf/internal/errors"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
	"github.com/zsiec/rcvbuf/internal/registry"
	"github.com/zsiec/rcvbuf/internal/transport/udp"
	"github.com/zsiec/rcvbuf/pkg/version"
)

// BufferResponse is the body of GET /api/v1/buffer.
type BufferResponse struct {
	Buffer    rcvbuf.Stats `json:"buffer"`
	Occupancy float64      `json:"occupancy"`
	Receiver  *udp.Stats   `json:"receiver,omitempty"`
}

type receiversResponse struct {
	Receivers []*registry.Record `json:"receivers"`
	Count     int                `json:"count"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.writeJSON(w, r, http.StatusOK, version.GetInfo())
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if s.sources.Buffer == nil {
		s.errorHandler.HandleError(w, r, apperrors.NewServiceDownError("buffer"))
		return
	}

	stats := s.sources.Buffer()
	resp := BufferResponse{
		Buffer:    stats,
		Occupancy: stats.Occupancy(),
	}
	if s.sources.Receiver != nil {
		recv := s.sources.Receiver()
		resp.Receiver = &recv
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if s.sources.Streams == nil {
		s.errorHandler.HandleError(w, r, apperrors.NewServiceDownError("demux"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.sources.Streams())
}

// handleStream looks up one SSRC, given in decimal or 0x-prefixed hex.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.sources.Streams == nil {
		s.errorHandler.HandleError(w, r, apperrors.NewServiceDownError("demux"))
		return
	}

	raw := mux.Vars(r)["ssrc"]
	ssrc, err := parseSSRC(raw)
	if err != nil {
		s.errorHandler.HandleError(w, r, apperrors.NewValidationError("invalid ssrc").
			WithCode("INVALID_SSRC").
			WithDetails(map[string]interface{}{"ssrc": raw}))
		return
	}

	for _, st := range s.sources.Streams().Streams {
		if st.SSRC == ssrc {
			s.writeJSON(w, r, http.StatusOK, st)
			return
		}
	}
	s.errorHandler.HandleError(w, r, apperrors.NewNotFoundError("stream").
		WithCode("STREAM_NOT_FOUND").
		WithDetails(map[string]interface{}{"ssrc": ssrc}))
}

func parseSSRC(raw string) (uint32, error) {
	base := 10
	if hex, ok := strings.CutPrefix(raw, "0x"); ok {
		raw, base = hex, 16
	} else if hex, ok := strings.CutPrefix(raw, "0X"); ok {
		raw, base = hex, 16
	}

	v, err := strconv.ParseUint(raw, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (s *Server) handleReceivers(w http.ResponseWriter, r *http.Request) {
	if s.sources.Receivers == nil {
		s.errorHandler.HandleError(w, r, apperrors.NewServiceDownError("registry"))
		return
	}

	records, err := s.sources.Receivers(r.Context())
	if err != nil {
		s.errorHandler.HandleError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeServiceDown,
			"Failed to list receivers", http.StatusServiceUnavailable))
		return
	}
	s.writeJSON(w, r, http.StatusOK, receiversResponse{Receivers: records, Count: len(records)})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Failed to encode response")
	}
}
