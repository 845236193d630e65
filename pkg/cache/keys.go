package cache

import (
	"fmt"
	"strings"
)

// Key layout shared by the Redis and in-memory backends. Values are
// sanitized so user-supplied field values cannot split the key.

func scopeKey(tenantID, modelID int) string {
	return fmt.Sprintf("%d:%d", tenantID, modelID)
}

func historyKey(tenantID, modelID int, searchKey, searchValue string) string {
	return fmt.Sprintf("%d:%d:history:%s:%s", tenantID, modelID, sanitize(searchKey), sanitize(searchValue))
}

func counterKey(tenantID, modelID, counterID int, dataName, dataValue string) string {
	return fmt.Sprintf("%d:%d:counter:%d:%s:%s", tenantID, modelID, counterID, sanitize(dataName), sanitize(dataValue))
}

func sanctionKey(tenantID, modelID int, value string, distance int) string {
	return fmt.Sprintf("%d:%d:sanction:%s:%d", tenantID, modelID, sanitize(value), distance)
}

func abstractionKey(tenantID, modelID int, ruleName, searchKey, searchValue string) string {
	return fmt.Sprintf("%d:%d:abstraction:%s:%s:%s", tenantID, modelID, sanitize(ruleName), sanitize(searchKey), sanitize(searchValue))
}

func callbackKey(tenantID int, entryID string) string {
	return fmt.Sprintf("%d:callback:%s", tenantID, entryID)
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
