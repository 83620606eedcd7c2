package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/audience"
	"github.com/Cypherspark/campaign-dispatcher/internal/core"
)

// filterField accepts the recipient filter either as a JSON array or as a
// comma separated string such as "999, Tag".
type filterField []string

func (f *filterField) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = audience.ParseFilter(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return errors.New("recipient_filter must be a string or an array of strings")
	}
	*f = list
	return nil
}

type campaignRequest struct {
	WindowStart     time.Time   `json:"window_start"`
	WindowEnd       time.Time   `json:"window_end"`
	DailyStart      string      `json:"daily_start"`
	DailyEnd        string      `json:"daily_end"`
	RecipientFilter filterField `json:"recipient_filter"`
	Body            string      `json:"body"`
}

func (c campaignRequest) spec() core.CampaignSpec {
	return core.CampaignSpec{
		WindowStart:     c.WindowStart,
		WindowEnd:       c.WindowEnd,
		DailyStart:      c.DailyStart,
		DailyEnd:        c.DailyEnd,
		RecipientFilter: c.RecipientFilter,
		Body:            c.Body,
	}
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaignRequest
	if err := decode(r, &in, core.ErrCodeValidationCampaign); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.svc.CreateCampaign(r.Context(), in.spec())
	if err != nil {
		var ae *core.AppError
		if id != 0 && errors.As(err, &ae) {
			// stored, but some jobs could not be scheduled
			err = ae.WithDetails(map[string]any{"campaign_id": id})
		}
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Campaign(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationCampaign)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Campaign(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r, core.ErrCodeValidationCampaign)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cs, err := s.svc.ListCampaigns(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// listAttempts returns the campaign's delivery history, retries included.
func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationCampaign)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := pageParams(r, core.ErrCodeValidationCampaign)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	as, err := s.svc.ListAttempts(r.Context(), id, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, as)
}

func (s *Server) editCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationCampaign)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in campaignRequest
	if err := decode(r, &in, core.ErrCodeValidationCampaign); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.EditCampaign(r.Context(), id, in.spec()); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Campaign(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationCampaign)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteCampaign(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type countersResponse struct {
	CampaignID int64 `json:"campaign_id"`
	core.Counters
	Total int `json:"total"`
}

func (s *Server) getCounters(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationCampaign)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Counters(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countersResponse{CampaignID: id, Counters: c, Total: c.Total()})
}

func (s *Server) createRecipient(w http.ResponseWriter, r *http.Request) {
	var in core.RecipientSpec
	if err := decode(r, &in, core.ErrCodeValidationRecipient); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.svc.CreateRecipient(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getRecipient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationRecipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.svc.Recipient(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// listRecipients accepts ?filter= in the same comma separated form as a
// campaign recipient filter.
func (s *Server) listRecipients(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r, core.ErrCodeValidationRecipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := audience.ParseFilter(r.URL.Query().Get("filter"))
	rs, err := s.svc.ListRecipients(r.Context(), filter, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) deleteRecipient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationRecipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteRecipient(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// updateRecipient only accepts tags and timezone; any other field, address
// included, is rejected by the decoder.
func (s *Server) updateRecipient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationRecipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in core.RecipientPatch
	if err := decode(r, &in, core.ErrCodeValidationRecipient); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.svc.UpdateRecipient(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationOutcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Attempt(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type outcomeRequest struct {
	Delivered *bool  `json:"delivered"`
	Reason    string `json:"reason"`
}

func (s *Server) postOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationOutcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in outcomeRequest
	if err := decode(r, &in, core.ErrCodeValidationOutcome); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.Delivered == nil {
		s.writeError(w, r, core.NewAppError(core.ErrCodeValidationOutcome, "delivered is required", nil).
			WithDetails(map[string]any{"delivered": "required"}))
		return
	}
	if err := s.svc.RecordOutcome(r.Context(), id, core.Outcome{Delivered: *in.Delivered, Reason: in.Reason}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, core.ErrCodeValidationOutcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.CancelAttempt(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
