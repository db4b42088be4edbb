package params

import "strings"

const pausePrefix = "system/pauses/"

func pauseKey(module string) []byte {
	return []byte(pausePrefix + strings.ToLower(strings.TrimSpace(module)))
}
