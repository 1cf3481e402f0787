package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"siren-signal/internal/models"
	"siren-signal/internal/store"
	"siren-signal/pkg/utils"
)

var (
	ErrReportNotFound    = errors.New("report not found")
	ErrInvalidReport     = errors.New("invalid report")
	ErrInvalidTransition = errors.New("invalid report transition")
	ErrNotAssigned       = errors.New("report assigned to another responder")
)

const prefix = "reports/"

// Service manages the emergency report lifecycle:
// reported -> accepted -> resolved, or reported -> declined.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// File stores a new report with status "reported".
func (s *Service) File(ctx context.Context, r models.Report) (*models.Report, error) {
	if r.SenderID == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrInvalidReport)
	}
	if r.Category == "" {
		return nil, fmt.Errorf("%w: missing category", ErrInvalidReport)
	}

	now := time.Now()
	r.ID = uuid.New().String()
	r.Status = models.ReportFiled
	r.ResponderID = ""
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.store.Write(ctx, prefix+r.ID, &r); err != nil {
		return nil, err
	}

	utils.ReportsFiledTotal.Inc()
	log.Printf("[Reports] Filed %s (%s) by %s at (%.5f, %.5f)",
		r.ID, r.Category, r.SenderID, r.Location.Latitude, r.Location.Longitude)
	return &r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Report, error) {
	var r models.Report
	err := s.store.Read(ctx, prefix+id, &r)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns reports, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.ReportStatus) ([]models.Report, error) {
	raws, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]models.Report, 0, len(raws))
	for path, raw := range raws {
		var r models.Report
		if err := json.Unmarshal(raw, &r); err != nil {
			log.Printf("[Reports] skipping bad report %s: %v", path, err)
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Accept assigns an open report to a responder.
func (s *Service) Accept(ctx context.Context, id, responderID string) (*models.Report, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReportFiled {
		return nil, fmt.Errorf("%w: cannot accept %s report", ErrInvalidTransition, r.Status)
	}

	r.Status = models.ReportAccepted
	r.ResponderID = responderID
	r.UpdatedAt = time.Now()
	if err := s.store.Write(ctx, prefix+id, r); err != nil {
		return nil, err
	}
	log.Printf("[Reports] Report %s accepted by %s", id, responderID)
	return r, nil
}

// Decline marks an open report declined.
func (s *Service) Decline(ctx context.Context, id, responderID string) (*models.Report, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReportFiled {
		return nil, fmt.Errorf("%w: cannot decline %s report", ErrInvalidTransition, r.Status)
	}

	r.Status = models.ReportDeclined
	r.ResponderID = responderID
	r.UpdatedAt = time.Now()
	if err := s.store.Write(ctx, prefix+id, r); err != nil {
		return nil, err
	}
	log.Printf("[Reports] Report %s declined by %s", id, responderID)
	return r, nil
}

// Resolve closes an accepted report. Only the assigned responder may do so.
func (s *Service) Resolve(ctx context.Context, id, responderID string) (*models.Report, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReportAccepted {
		return nil, fmt.Errorf("%w: cannot resolve %s report", ErrInvalidTransition, r.Status)
	}
	if r.ResponderID != responderID {
		return nil, fmt.Errorf("%w: %s", ErrNotAssigned, id)
	}

	r.Status = models.ReportResolved
	r.UpdatedAt = time.Now()
	if err := s.store.Write(ctx, prefix+id, r); err != nil {
		return nil, err
	}
	log.Printf("[Reports] Report %s resolved by %s", id, responderID)
	return r, nil
}
