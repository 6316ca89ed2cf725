package rediskey

import "fmt"

const (
	EntitlementPrefix = "entitlement"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildEntitlementKey returns "entitlement:{entitlementID}"
func BuildEntitlementKey(entitlementID string) string {
	return NamespaceKey(EntitlementPrefix, entitlementID)
}
