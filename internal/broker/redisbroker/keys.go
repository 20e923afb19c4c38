package redisbroker

import "fmt"

// Key naming follows the teacher's store/keys.go convention of a fixed
// prefix plus colon-joined segments.
const keyPrefix = "qm"

func readyKey(queue string) string   { return fmt.Sprintf("%s:%s:ready", keyPrefix, queue) }
func delayedKey(queue string) string { return fmt.Sprintf("%s:%s:delayed", keyPrefix, queue) }
func failedKey(queue string) string  { return fmt.Sprintf("%s:%s:failed", keyPrefix, queue) }
func activeKey(queue string) string  { return fmt.Sprintf("%s:%s:active", keyPrefix, queue) }
func pausedKey(queue string) string  { return fmt.Sprintf("%s:%s:paused", keyPrefix, queue) }
func seqKey(queue string) string     { return fmt.Sprintf("%s:%s:seq", keyPrefix, queue) }
func jobKey(queue, id string) string { return fmt.Sprintf("%s:%s:job:%s", keyPrefix, queue, id) }
