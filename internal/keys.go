package internal

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	TaskPrefix    = "rnaq:task:"
	DelayedPrefix = "rnaq:delayed:"
	LockPrefix    = "lock:"
	QueuePrefix   = "queue:"
	TokenPrefix   = "token:"
)

// ObjectTimeLayout is yyyyMMddHHmmss.
const ObjectTimeLayout = "20060102150405"

// LockKey is the per-kind, per-user mutual exclusion key.
func LockKey(kind string, userID int64) string {
	return fmt.Sprintf("%s%s:%d", LockPrefix, kind, userID)
}

// PositionKey is the advisory position list of a queue.
func PositionKey(queue string) string {
	return QueuePrefix + queue
}

func TokenKey(token string) string {
	return TokenPrefix + token
}

// TaskKey is the ready list of the Redis broker.
func TaskKey(queue string) string {
	return TaskPrefix + queue
}

// DelayedKey is the sorted set holding not-yet-due messages.
func DelayedKey(queue string) string {
	return DelayedPrefix + queue
}

// ObjectName builds {userId}-{yyyyMMddHHmmss}-{logicalName}. Directory parts
// of logical are dropped.
func ObjectName(userID int64, at time.Time, logical string) string {
	logical = path.Base(strings.ReplaceAll(logical, "\\", "/"))
	if logical == "." || logical == "/" || logical == "" {
		logical = "file"
	}
	return fmt.Sprintf("%d-%s-%s", userID, at.Format(ObjectTimeLayout), logical)
}
