package mccrypt

import (
	"crypto/md5"

	"github.com/google/uuid"
)

// OfflinePlayerUUID reproduces Java's UUID.nameUUIDFromBytes over
// "OfflinePlayer:<name>", which is how offline-mode servers assign UUIDs.
func OfflinePlayerUUID(username string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + username))
	sum[6] &= 0x0f
	sum[6] |= 0x30
	sum[8] &= 0x3f
	sum[8] |= 0x80
	return uuid.UUID(sum)
}
