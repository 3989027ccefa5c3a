package rediskey

import "fmt"

const (
	SequencePrefix   = "seq"
	RedemptionPrefix = "seq:redemption"
	ExpiryLockPrefix = "lock:expiry"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRedemptionSeqKey returns "seq:redemption:{tenantID}:{yymmdd}"
func BuildRedemptionSeqKey(tenantID, day string) string {
	return NamespaceKey(RedemptionPrefix, fmt.Sprintf("%s:%s", tenantID, day))
}

// BuildExpiryLockKey returns "lock:expiry:{tenantID}"
func BuildExpiryLockKey(tenantID string) string {
	return NamespaceKey(ExpiryLockPrefix, tenantID)
}
