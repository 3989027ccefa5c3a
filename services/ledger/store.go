package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"connectreward/pkg/db/option"
	"connectreward/pkg/db/pagination"
	"connectreward/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store is the append-only ledger. It never rejects an entry because of the
// resulting balance; floor checks belong to the callers.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time

	entries repository.Repository[PointTransaction]
	lots    repository.Repository[CreditLot]
}

func NewStore(db *gorm.DB, node *snowflake.Node) *Store {
	return &Store{
		db:      db,
		node:    node,
		now:     time.Now,
		entries: repository.ProvideStore[PointTransaction](db),
		lots:    repository.ProvideStore[CreditLot](db),
	}
}

type AppendParams struct {
	TenantID     string
	AccountID    string
	Amount       int64
	Type         EntryType
	Description  string
	ReferralID   string
	RedemptionID string
	ReferenceID  string
	// LotID makes a debit consume exactly this lot instead of oldest first.
	LotID    string
	Metadata map[string]any
}

func (p AppendParams) Validate() error {
	switch {
	case p.AccountID == "":
		return ValidationError("account_id is required", detail("account_id", "required"))
	case p.TenantID == "":
		return ValidationError("tenant_id is required", detail("tenant_id", "required"))
	case !p.Type.Valid():
		return ValidationError("unknown entry type", detail("type", string(p.Type)))
	case p.Amount == 0:
		return ValidationError("amount must not be zero", detail("amount", "must not be zero"))
	case p.Type == EntryEarned && p.Amount < 0:
		return ValidationError("earned entries must be positive", detail("amount", "must be positive"))
	case (p.Type == EntryRedeemed || p.Type == EntryExpired) && p.Amount > 0:
		return ValidationError("debit entries must be negative", detail("amount", "must be negative"))
	case p.Type == EntryExpired && p.LotID == "":
		return ValidationError("expired entries must reference a lot", detail("lot_id", "required"))
	}
	return nil
}

// Append writes one entry inside tx. A nil tx runs the append in its own
// transaction.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, p AppendParams) (*PointTransaction, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if tx != nil {
		return s.append(ctx, tx, p)
	}

	var entry *PointTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.append(ctx, tx, p)
		return err
	})
	return entry, err
}

func (s *Store) append(ctx context.Context, tx *gorm.DB, p AppendParams) (*PointTransaction, error) {
	entriesTx := s.entries.WithTrx(tx)
	lotsTx := s.lots.WithTrx(tx)

	last, err := s.lastEntry(ctx, tx, p.AccountID)
	if err != nil {
		return nil, StorageError("failed to read last ledger entry", err)
	}

	var allocations []LotAllocation
	if p.Amount < 0 {
		allocations, err = s.allocate(ctx, tx, p)
		if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	transactionID, err := GenerateTransactionID(now)
	if err != nil {
		zap.L().Error("failed to generate transactionId", zap.Error(err))
		return nil, StorageError("failed to generate transaction id", err)
	}

	meta := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if len(allocations) > 0 {
		meta["sources"] = allocations
	}
	var metaBytes datatypes.JSON
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, ValidationError("metadata is not serializable")
		}
		metaBytes = datatypes.JSON(b)
	}

	entry := &PointTransaction{
		ID:            s.node.Generate().String(),
		TenantID:      p.TenantID,
		AccountID:     p.AccountID,
		Seq:           1,
		Type:          p.Type,
		Amount:        p.Amount,
		Description:   p.Description,
		ReferralID:    p.ReferralID,
		RedemptionID:  p.RedemptionID,
		ReferenceID:   p.ReferenceID,
		TransactionID: transactionID,
		PreviousHash:  GenesisHash,
		Metadata:      metaBytes,
		CreatedAt:     now,
	}
	if last != nil {
		entry.Seq = last.Seq + 1
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := entriesTx.Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ConflictError("ledger sequence taken by a concurrent writer")
		}
		return nil, StorageError("failed to append ledger entry", err)
	}

	if p.Amount > 0 {
		if err := lotsTx.Create(ctx, &CreditLot{
			ID:        s.node.Generate().String(),
			TenantID:  p.TenantID,
			AccountID: p.AccountID,
			EntryID:   entry.ID,
			Seq:       entry.Seq,
			Amount:    p.Amount,
			Remaining: p.Amount,
			CreatedAt: now,
		}); err != nil {
			return nil, StorageError("failed to create credit lot", err)
		}
		return entry, nil
	}

	for _, a := range allocations {
		res := tx.WithContext(ctx).Model(&CreditLot{}).
			Where("id = ? AND remaining >= ?", a.LotID, a.Amount).
			Updates(map[string]any{
				"remaining":   gorm.Expr("remaining - ?", a.Amount),
				"consumed_at": now,
			})
		if res.Error != nil {
			return nil, StorageError("failed to consume credit lot", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, ConflictError("credit lot changed concurrently")
		}
	}

	return entry, nil
}

// allocate picks the lots a debit consumes. When the lots do not cover the
// debit the uncovered part is left unallocated.
func (s *Store) allocate(ctx context.Context, tx *gorm.DB, p AppendParams) ([]LotAllocation, error) {
	need := -p.Amount
	lotsTx := s.lots.WithTrx(tx)

	if p.LotID != "" {
		lot, err := lotsTx.FindOne(ctx, &CreditLot{ID: p.LotID, AccountID: p.AccountID}, option.WithLockingUpdate())
		if err != nil {
			return nil, StorageError("failed to read credit lot", err)
		}
		if lot == nil {
			return nil, NotFoundError("credit lot not found")
		}
		if lot.Remaining < need {
			return nil, ConflictError("credit lot changed concurrently")
		}
		return []LotAllocation{{LotID: lot.ID, EntryID: lot.EntryID, Amount: need}}, nil
	}

	lots, err := lotsTx.Find(ctx, &CreditLot{AccountID: p.AccountID},
		option.ApplyOperator(option.Condition{
			Field:    "remaining",
			Operator: option.GT,
			Value:    0,
		}),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "seq",
			OrderBy: "asc",
			Allow:   map[string]bool{"seq": true},
		}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, StorageError("failed to read credit lots", err)
	}

	allocations := make([]LotAllocation, 0, len(lots))
	for _, lot := range lots {
		if need == 0 {
			break
		}
		take := min(lot.Remaining, need)
		allocations = append(allocations, LotAllocation{LotID: lot.ID, EntryID: lot.EntryID, Amount: take})
		need -= take
	}

	return allocations, nil
}

func (s *Store) lastEntry(ctx context.Context, tx *gorm.DB, accountID string) (*PointTransaction, error) {
	return s.entries.WithTrx(tx).FindOne(ctx, &PointTransaction{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "seq",
			OrderBy: "desc",
			Allow:   map[string]bool{"seq": true},
		}),
	)
}

// ListByAccount returns every entry of the account in the order written.
func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]*PointTransaction, error) {
	return s.listTx(ctx, s.db, accountID)
}

func (s *Store) listTx(ctx context.Context, tx *gorm.DB, accountID string) ([]*PointTransaction, error) {
	entries, err := s.entries.WithTrx(tx).Find(ctx, &PointTransaction{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "seq",
			OrderBy: "asc",
			Allow:   map[string]bool{"seq": true},
		}),
	)
	if err != nil {
		return nil, StorageError("failed to list ledger entries", err)
	}
	return entries, nil
}

// ListPage pages through an account's entries in write order. The cursor
// carries the seq of the last entry returned.
func (s *Store) ListPage(ctx context.Context, accountID string, page pagination.Pagination) ([]*PointTransaction, *pagination.PageInfo, error) {
	page = page.Normalize()

	conds := []option.Condition{}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, ValidationError("invalid cursor", detail("cursor", "malformed"))
		}
		seq, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, nil, ValidationError("invalid cursor", detail("cursor", "malformed"))
		}
		conds = append(conds, option.Condition{Field: "seq", Operator: option.GT, Value: seq})
	}

	entries, err := s.entries.Find(ctx, &PointTransaction{AccountID: accountID},
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "seq",
			OrderBy: "asc",
			Allow:   map[string]bool{"seq": true},
		}),
		option.WithLimit(page.Limit+1),
	)
	if err != nil {
		return nil, nil, StorageError("failed to list ledger entries", err)
	}

	out, info, err := pagination.BuildCursorPage(entries, page.Limit, func(e *PointTransaction) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: strconv.FormatInt(e.Seq, 10)}
	})
	if err != nil {
		return nil, nil, StorageError("failed to encode cursor", err)
	}
	return out, info, nil
}

// VerifyChain recomputes every hash of the account's chain.
func (s *Store) VerifyChain(ctx context.Context, accountID string) (bool, error) {
	entries, err := s.ListByAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	lastHash := GenesisHash
	for i, entry := range entries {
		if entry.Seq != int64(i+1) || entry.PreviousHash != lastHash || entry.Hash != entry.GenerateHash() {
			zap.L().Warn("ledger chain broken",
				zap.String("account_id", accountID),
				zap.String("entry_id", entry.ID),
				zap.Int64("seq", entry.Seq),
			)
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}

// RawSum is the plain signed sum of the account's entries.
func (s *Store) RawSum(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&PointTransaction{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, StorageError("failed to sum ledger entries", err)
	}
	return sum, nil
}

func (s *Store) FindByReference(ctx context.Context, tx *gorm.DB, accountID, referenceID string) (*PointTransaction, error) {
	if tx == nil {
		tx = s.db
	}
	entry, err := s.entries.WithTrx(tx).FindOne(ctx, &PointTransaction{AccountID: accountID, ReferenceID: referenceID})
	if err != nil {
		return nil, StorageError("failed to read ledger entry", err)
	}
	return entry, nil
}

// ExpirableLots returns unspent lots of the tenant created before cutoff,
// oldest first.
func (s *Store) ExpirableLots(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]*CreditLot, error) {
	lots, err := s.lots.Find(ctx, &CreditLot{TenantID: tenantID},
		option.ApplyOperator(
			option.Condition{Field: "remaining", Operator: option.GT, Value: 0},
			option.Condition{Field: "created_at", Operator: option.LT, Value: cutoff.UTC()},
		),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, StorageError("failed to read expirable lots", err)
	}
	return lots, nil
}

func (s *Store) lotTx(ctx context.Context, tx *gorm.DB, lotID string) (*CreditLot, error) {
	lot, err := s.lots.WithTrx(tx).FindOne(ctx, &CreditLot{ID: lotID}, option.WithLockingUpdate())
	if err != nil {
		return nil, StorageError("failed to read credit lot", err)
	}
	return lot, nil
}

// Lots returns the account's lots that still hold points.
func (s *Store) Lots(ctx context.Context, accountID string) ([]*CreditLot, error) {
	lots, err := s.lots.Find(ctx, &CreditLot{AccountID: accountID},
		option.ApplyOperator(option.Condition{Field: "remaining", Operator: option.GT, Value: 0}),
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc", Allow: map[string]bool{"seq": true}}),
	)
	if err != nil {
		return nil, StorageError("failed to read credit lots", err)
	}
	return lots, nil
}
