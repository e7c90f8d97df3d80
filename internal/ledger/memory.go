package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/pagination"
)

// MemoryStore is an in-process Store. Each primitive holds the mutex for its whole
// read-check-write, which gives it the same atomicity as the SQL repository.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*models.Transaction
	nextID uint64
	now    func() time.Time
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*models.Transaction),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) FindByExternalID(_ context.Context, txID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[txID].Clone(), nil
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, record *models.Transaction) (*models.Transaction, bool, error) {
	if err := validateNew(record); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[record.TxID]; ok {
		return existing.Clone(), false, nil
	}

	row := record.Clone()
	now := s.now()
	row.CreatedAt, row.UpdatedAt = now, now
	if row.Settlement == "" {
		row.Settlement = enums.SettlementStateNone
	}
	if row.RefundState == "" {
		row.RefundState = enums.RefundStateNone
	}
	for i := range row.History {
		row.History[i] = s.stamp(row.History[i], row.TxID, row.History[i].Status, now)
	}
	s.rows[row.TxID] = row
	return row.Clone(), true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, txID string, change Transition) (*models.Transaction, error) {
	if err := change.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[txID]
	if !ok {
		return nil, notFound(txID)
	}
	if row.Status != change.Expected {
		return nil, conflict(txID)
	}
	if change.Expected != change.Next {
		claimed := row.RefundState == enums.RefundStateRequested
		if row.IsFrozen || claimed != change.commitsRefundClaim() {
			return nil, conflict(txID)
		}
	}

	now := s.now()
	row.Status = change.Next
	row.UpdatedAt = now
	if change.Settlement != "" {
		row.Settlement = change.Settlement
	}
	if change.SettlementRef != "" {
		row.SettlementRef = change.SettlementRef
	}
	if change.Refund != "" {
		row.RefundState = change.Refund
	}
	row.History = append(row.History, s.stamp(change.Entry, txID, change.Next, now))
	return row.Clone(), nil
}

func (s *MemoryStore) SetFrozen(_ context.Context, txID string, change FreezeChange) (*models.Transaction, error) {
	if err := change.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[txID]
	if !ok {
		return nil, notFound(txID)
	}
	if row.Status != change.ExpectedStatus || row.IsFrozen == change.Frozen {
		return nil, conflict(txID)
	}
	if change.Frozen && row.RefundState == enums.RefundStateRequested {
		return nil, conflict(txID)
	}

	now := s.now()
	row.IsFrozen = change.Frozen
	row.UpdatedAt = now
	row.History = append(row.History, s.stamp(change.Entry, txID, change.ExpectedStatus, now))
	return row.Clone(), nil
}

func (s *MemoryStore) ClaimRefund(_ context.Context, txID string, expected enums.TransactionStatus) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[txID]
	if !ok {
		return nil, notFound(txID)
	}
	if row.Status != expected || row.IsFrozen || row.RefundState != enums.RefundStateNone ||
		row.Settlement.Withdrawn() || row.SettlementRef != "" {
		return nil, conflict(txID)
	}
	row.RefundState = enums.RefundStateRequested
	row.UpdatedAt = s.now()
	return row.Clone(), nil
}

func (s *MemoryStore) ReleaseRefund(_ context.Context, txID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[txID]
	if !ok {
		return nil, notFound(txID)
	}
	if row.RefundState != enums.RefundStateRequested {
		return nil, conflict(txID)
	}
	row.RefundState = enums.RefundStateNone
	row.UpdatedAt = s.now()
	return row.Clone(), nil
}

func (s *MemoryStore) ToggleFlag(_ context.Context, txID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[txID]
	if !ok {
		return nil, notFound(txID)
	}
	row.IsFlagged = !row.IsFlagged
	row.UpdatedAt = s.now()
	return row.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter, params pagination.Params) ([]models.Transaction, int64, error) {
	params = params.Normalize()

	s.mu.Lock()
	matched := make([]models.Transaction, 0, len(s.rows))
	for _, row := range s.rows {
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		if filter.Provider != nil && row.Provider != *filter.Provider {
			continue
		}
		matched = append(matched, *row.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].TxID < matched[j].TxID
	})

	total := int64(len(matched))
	start := params.Offset()
	if start >= len(matched) {
		return []models.Transaction{}, total, nil
	}
	end := start + params.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) ListSettlementDeferred(_ context.Context, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	out := []models.Transaction{}
	for _, row := range s.rows {
		if row.Status == enums.TransactionStatusConfirmed &&
			(row.Settlement == enums.SettlementStateDeferred || row.Settlement == enums.SettlementStateSubmitted) &&
			!row.IsFrozen && row.RefundState == enums.RefundStateNone {
			out = append(out, *row.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if n := pagination.NormalizeLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) stamp(entry models.TransactionHistory, txID string, status enums.TransactionStatus, now time.Time) models.TransactionHistory {
	s.nextID++
	entry.ID = s.nextID
	entry.TxID = txID
	entry.Status = status
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	return entry
}
