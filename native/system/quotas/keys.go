package quotas

import (
	"fmt"
	"strings"
)

const quotasPrefix = "quotas"

func normaliseScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

func counterKey(scope string, epoch uint64, subject []byte) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d/%x", quotasPrefix, normaliseScope(scope), epoch, subject))
}

func epochIndexKey(scope string, epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d/index", quotasPrefix, normaliseScope(scope), epoch))
}
