package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/domain/reward"
	"github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/domain/wallet"
	"github.com/aria-network/reward-engine/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development; it doubles as the client-side record store.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	items        map[string]record.Item
	itemOrder    []string
	credits      map[string]reward.Credit // keyed by credit ID
	creditByPair map[string]string        // userID|itemID -> credit ID
	batches      map[string]settlement.Batch
	wallets      map[string]wallet.Wallet // keyed by userID
	walletByAddr map[string]string        // lowercase address -> userID
	walletTxs    map[string]wallet.TransactionRecord
	walletTxIDs  []string
}

var _ storage.RecordStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		items:        make(map[string]record.Item),
		credits:      make(map[string]reward.Credit),
		creditByPair: make(map[string]string),
		batches:      make(map[string]settlement.Batch),
		wallets:      make(map[string]wallet.Wallet),
		walletByAddr: make(map[string]string),
		walletTxs:    make(map[string]wallet.TransactionRecord),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func pairKey(userID, itemID string) string { return userID + "|" + itemID }

// RecordStore implementation --------------------------------------------------

func (s *Store) SaveItem(_ context.Context, item record.Item) (record.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = s.nextIDLocked()
	}
	if item.SyncState == "" {
		item.SyncState = record.StateUnsynced
	}
	if item.CollectedAt.IsZero() {
		item.CollectedAt = time.Now().UTC()
	}

	// Insert-if-absent: a resubmission must not rewind an item that has
	// already been credited.
	if existing, exists := s.items[item.ID]; exists {
		return existing, nil
	}
	s.itemOrder = append(s.itemOrder, item.ID)
	s.items[item.ID] = item
	return item, nil
}

func (s *Store) GetItem(_ context.Context, id string) (record.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return record.Item{}, fmt.Errorf("item %s not found", id)
	}
	return item, nil
}

func (s *Store) ListUnsynced(_ context.Context, userID string, limit int) ([]record.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]record.Item, 0)
	for _, id := range s.itemOrder {
		item := s.items[id]
		if userID != "" && item.UserID != userID {
			continue
		}
		if item.SyncState != record.StateUnsynced {
			continue
		}
		result = append(result, item)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) MarkCredited(_ context.Context, id string, amount float64, creditedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	if item.SyncState == record.StateCredited {
		return nil
	}
	item.SyncState = record.StateCredited
	item.Reward = amount
	item.CreditedAt = creditedAt.UTC()
	s.items[id] = item
	return nil
}

func (s *Store) CountItems(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.items {
		if userID == "" || item.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *Store) SumRewards(_ context.Context, userID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0.0
	for _, item := range s.items {
		if userID != "" && item.UserID != userID {
			continue
		}
		if item.SyncState == record.StateCredited {
			total += item.Reward
		}
	}
	return total, nil
}

// RewardStore implementation --------------------------------------------------

func (s *Store) InsertCredit(_ context.Context, cr reward.Credit) (reward.Credit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(cr.UserID, cr.ItemID)
	if existingID, ok := s.creditByPair[key]; ok {
		return s.credits[existingID], false, nil
	}

	if cr.ID == "" {
		cr.ID = s.nextIDLocked()
	}
	if cr.IssuedAt.IsZero() {
		cr.IssuedAt = time.Now().UTC()
	}

	s.credits[cr.ID] = cr
	s.creditByPair[key] = cr.ID
	return cr, true, nil
}

func (s *Store) GetCredit(_ context.Context, userID, itemID string) (reward.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.creditByPair[pairKey(userID, itemID)]
	if !ok {
		return reward.Credit{}, fmt.Errorf("credit for item %s not found", itemID)
	}
	return s.credits[id], nil
}

func (s *Store) ListCredits(_ context.Context, userID string) ([]reward.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]reward.Credit, 0)
	for _, cr := range s.credits {
		if userID == "" || cr.UserID == userID {
			result = append(result, cr)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IssuedAt.Before(result[j].IssuedAt) })
	return result, nil
}

func (s *Store) TotalCredited(_ context.Context, userID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0.0
	for _, cr := range s.credits {
		if cr.UserID == userID {
			total += cr.Amount
		}
	}
	return total, nil
}

func (s *Store) CountSettled(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, cr := range s.credits {
		if cr.UserID == userID && cr.Settled() {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListUnsettled(_ context.Context, userID string) ([]reward.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]reward.Credit, 0)
	for _, cr := range s.credits {
		if cr.UserID == userID && cr.BatchID == "" {
			result = append(result, cr)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IssuedAt.Before(result[j].IssuedAt) })
	return result, nil
}

func (s *Store) ClaimCredits(_ context.Context, userID, batchID string, creditIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All-or-nothing: verify every credit is claimable before writing.
	for _, id := range creditIDs {
		cr, ok := s.credits[id]
		if !ok || cr.UserID != userID || cr.BatchID != "" {
			return 0, nil
		}
	}
	for _, id := range creditIDs {
		cr := s.credits[id]
		cr.BatchID = batchID
		s.credits[id] = cr
	}
	return len(creditIDs), nil
}

func (s *Store) ReleaseCredits(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cr := range s.credits {
		if cr.BatchID == batchID && !cr.Settled() {
			cr.BatchID = ""
			s.credits[id] = cr
		}
	}
	return nil
}

func (s *Store) MarkSettled(_ context.Context, batchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cr := range s.credits {
		if cr.BatchID == batchID {
			cr.SettledAt = at.UTC()
			s.credits[id] = cr
		}
	}
	return nil
}

func (s *Store) ListClaimedBatchIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, cr := range s.credits {
		if cr.BatchID != "" && !cr.Settled() {
			seen[cr.BatchID] = struct{}{}
		}
	}
	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

// SettlementStore implementation ----------------------------------------------

func (s *Store) CreateBatch(_ context.Context, b settlement.Batch) (settlement.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = s.nextIDLocked()
	} else if _, exists := s.batches[b.ID]; exists {
		return settlement.Batch{}, fmt.Errorf("batch %s already exists", b.ID)
	}

	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.CreditIDs = append([]string(nil), b.CreditIDs...)

	s.batches[b.ID] = b
	return cloneBatch(b), nil
}

func (s *Store) UpdateBatch(_ context.Context, b settlement.Batch) (settlement.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.batches[b.ID]
	if !ok {
		return settlement.Batch{}, fmt.Errorf("batch %s not found", b.ID)
	}
	if original.State.Terminal() {
		return settlement.Batch{}, fmt.Errorf("batch %s is terminal (%s)", b.ID, original.State)
	}

	b.CreatedAt = original.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	b.CreditIDs = append([]string(nil), b.CreditIDs...)

	s.batches[b.ID] = b
	return cloneBatch(b), nil
}

func (s *Store) GetBatch(_ context.Context, id string) (settlement.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return settlement.Batch{}, fmt.Errorf("batch %s: %w", id, settlement.ErrBatchNotFound)
	}
	return cloneBatch(b), nil
}

func (s *Store) ListBatches(_ context.Context, userID string) ([]settlement.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.Batch, 0)
	for _, b := range s.batches {
		if userID == "" || b.UserID == userID {
			result = append(result, cloneBatch(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListBatchesInState(_ context.Context, state settlement.State) ([]settlement.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.Batch, 0)
	for _, b := range s.batches {
		if b.State == state {
			result = append(result, cloneBatch(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// WalletStore implementation --------------------------------------------------

func (s *Store) SaveWallet(_ context.Context, w wallet.Wallet) (wallet.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Address = strings.TrimSpace(w.Address)
	if w.UserID == "" || w.Address == "" {
		return wallet.Wallet{}, fmt.Errorf("wallet requires user id and address")
	}

	addrKey := strings.ToLower(w.Address)
	if owner, exists := s.walletByAddr[addrKey]; exists && owner != w.UserID {
		return wallet.Wallet{}, fmt.Errorf("address %s already registered to another user", w.Address)
	}

	now := time.Now().UTC()
	if original, exists := s.wallets[w.UserID]; exists {
		oldKey := strings.ToLower(original.Address)
		if oldKey != addrKey {
			delete(s.walletByAddr, oldKey)
		}
		w.CreatedAt = original.CreatedAt
	} else {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	s.wallets[w.UserID] = w
	s.walletByAddr[addrKey] = w.UserID
	return w, nil
}

func (s *Store) GetWalletByUser(_ context.Context, userID string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return wallet.Wallet{}, fmt.Errorf("wallet for user %s not found", userID)
	}
	return w, nil
}

func (s *Store) GetWalletByAddress(_ context.Context, address string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.walletByAddr[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return wallet.Wallet{}, fmt.Errorf("wallet %s not found", address)
	}
	return s.wallets[userID], nil
}

func (s *Store) CreateTransaction(_ context.Context, tx wallet.TransactionRecord) (wallet.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		return wallet.TransactionRecord{}, fmt.Errorf("transaction id is required")
	}
	if _, exists := s.walletTxs[tx.ID]; exists {
		return wallet.TransactionRecord{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	s.walletTxs[tx.ID] = tx
	s.walletTxIDs = append(s.walletTxIDs, tx.ID)
	return tx, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx wallet.TransactionRecord) (wallet.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.walletTxs[tx.ID]
	if !ok {
		return wallet.TransactionRecord{}, fmt.Errorf("transaction %s not found", tx.ID)
	}
	if original.Status.Terminal() {
		return wallet.TransactionRecord{}, fmt.Errorf("transaction %s is terminal (%s)", tx.ID, original.Status)
	}

	tx.Timestamp = original.Timestamp
	s.walletTxs[tx.ID] = tx
	return tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (wallet.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.walletTxs[id]
	if !ok {
		return wallet.TransactionRecord{}, fmt.Errorf("transaction %s not found", id)
	}
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string) ([]wallet.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]wallet.TransactionRecord, 0)
	for _, id := range s.walletTxIDs {
		tx := s.walletTxs[id]
		if userID == "" || tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *Store) ListTransactionsByAddress(_ context.Context, address string) ([]wallet.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := strings.ToLower(strings.TrimSpace(address))
	result := make([]wallet.TransactionRecord, 0)
	for _, id := range s.walletTxIDs {
		tx := s.walletTxs[id]
		if strings.ToLower(tx.ToAddress) == addr || strings.ToLower(tx.FromAddress) == addr {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *Store) ListPendingOlderThan(_ context.Context, cutoff time.Time) ([]wallet.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]wallet.TransactionRecord, 0)
	for _, id := range s.walletTxIDs {
		tx := s.walletTxs[id]
		if tx.Status == wallet.StatusPending && tx.Timestamp.Before(cutoff) {
			result = append(result, tx)
		}
	}
	return result, nil
}

// Helpers --------------------------------------------------------------------

func cloneBatch(b settlement.Batch) settlement.Batch {
	b.CreditIDs = append([]string(nil), b.CreditIDs...)
	return b
}
