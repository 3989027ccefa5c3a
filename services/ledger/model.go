package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"connectreward/services/tier"

	"gorm.io/datatypes"
)

type EntryType string

const (
	EntryEarned   EntryType = "earned"
	EntryRedeemed EntryType = "redeemed"
	EntryAdjusted EntryType = "adjusted"
	EntryExpired  EntryType = "expired"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryEarned, EntryRedeemed, EntryAdjusted, EntryExpired:
		return true
	}
	return false
}

// GenesisHash is the previous_hash of the first entry of every account.
const GenesisHash = "GENESIS"

// Account is a customer's points account. Balance and Tier are a cached
// projection of the account's point_transactions.
type Account struct {
	ID         string    `gorm:"column:id;primaryKey" json:"id"`
	TenantID   string    `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	ExternalID string    `gorm:"column:external_id;index" json:"external_id,omitempty"`
	Name       string    `gorm:"column:name" json:"name,omitempty"`
	Email      string    `gorm:"column:email" json:"email,omitempty"`
	Balance    int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	Tier       tier.Tier `gorm:"column:tier;type:varchar(16);not null;default:'bronze'" json:"tier"`
	Version    int64     `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// PointTransaction is one immutable ledger entry. Seq orders the entries of
// an account and is unique per account.
type PointTransaction struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	TenantID      string         `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	AccountID     string         `gorm:"column:account_id;not null;uniqueIndex:idx_point_tx_account_seq,priority:1" json:"account_id"`
	Seq           int64          `gorm:"column:seq;not null;uniqueIndex:idx_point_tx_account_seq,priority:2" json:"seq"`
	Type          EntryType      `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Amount        int64          `gorm:"column:amount;not null" json:"amount"`
	Description   string         `gorm:"column:description" json:"description"`
	ReferralID    string         `gorm:"column:referral_id;index" json:"referral_id,omitempty"`
	RedemptionID  string         `gorm:"column:redemption_id;index" json:"redemption_id,omitempty"`
	ReferenceID   string         `gorm:"column:reference_id;index" json:"reference_id,omitempty"`
	TransactionID string         `gorm:"column:transaction_id" json:"transaction_id"`
	PreviousHash  string         `gorm:"column:previous_hash" json:"previous_hash"`
	Hash          string         `gorm:"column:hash" json:"hash"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
}

// CreditLot tracks how much of a positive entry is still unspent. Debits
// consume lots oldest first, expiry consumes a single lot.
type CreditLot struct {
	ID         string     `gorm:"column:id;primaryKey" json:"id"`
	TenantID   string     `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	AccountID  string     `gorm:"column:account_id;index;not null" json:"account_id"`
	EntryID    string     `gorm:"column:entry_id;not null" json:"entry_id"`
	Seq        int64      `gorm:"column:seq;not null" json:"seq"`
	Amount     int64      `gorm:"column:amount;not null" json:"amount"`
	Remaining  int64      `gorm:"column:remaining;not null" json:"remaining"`
	CreatedAt  time.Time  `gorm:"column:created_at;index" json:"created_at"`
	ConsumedAt *time.Time `gorm:"column:consumed_at" json:"consumed_at,omitempty"`
}

type LotAllocation struct {
	LotID   string `json:"lot_id"`
	EntryID string `json:"entry_id"`
	Amount  int64  `json:"amount"`
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Account{}, &PointTransaction{}, &CreditLot{}}
}

func (m *PointTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"tenant_id":      m.TenantID,
		"account_id":     m.AccountID,
		"seq":            fmt.Sprintf("%d", m.Seq),
		"type":           string(m.Type),
		"amount":         fmt.Sprintf("%d", m.Amount),
		"transaction_id": m.TransactionID,
		"referral_id":    m.ReferralID,
		"redemption_id":  m.RedemptionID,
		"reference_id":   m.ReferenceID,
		"description":    m.Description,
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

func (m *PointTransaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func GenerateTransactionID(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%X", now.Format("20060102"), r), nil
}
