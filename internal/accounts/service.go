package accounts

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
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidRole     = errors.New("invalid role")
)

const prefix = "users/"

// Service manages portal accounts stored under users/{uid}.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Save upserts an account. A missing id means a new account.
func (s *Service) Save(ctx context.Context, a models.Account) (*models.Account, error) {
	if a.Role == "" {
		a.Role = models.RoleUser
	}
	switch a.Role {
	case models.RoleUser, models.RoleResponder, models.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, a.Role)
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
		a.CreatedAt = time.Now()
	} else {
		// Updates keep the original creation time so List ordering is stable.
		var prev models.Account
		err := s.store.Read(ctx, prefix+a.ID, &prev)
		if err == nil {
			a.CreatedAt = prev.CreatedAt
		} else if errors.Is(err, store.ErrNotFound) {
			a.CreatedAt = time.Now()
		} else {
			return nil, err
		}
	}
	if err := s.store.Write(ctx, prefix+a.ID, &a); err != nil {
		return nil, err
	}
	log.Printf("[Accounts] Saved %s (%s, role=%s)", a.ID, a.Email, a.Role)
	return &a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.store.Read(ctx, prefix+id, &a)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns accounts, optionally filtered by role. Sorted by creation
// time so the admin portal shows a stable order.
func (s *Service) List(ctx context.Context, role string) ([]models.Account, error) {
	raws, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]models.Account, 0, len(raws))
	for path, raw := range raws {
		var a models.Account
		if err := json.Unmarshal(raw, &a); err != nil {
			log.Printf("[Accounts] skipping bad account %s: %v", path, err)
			continue
		}
		if role != "" && a.Role != role {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, prefix+id)
}

// Party returns the call-party identity for an account.
func (s *Service) Party(ctx context.Context, id string) (models.Party, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return models.Party{}, err
	}
	return models.Party{ID: a.ID, DisplayName: a.DisplayName()}, nil
}
