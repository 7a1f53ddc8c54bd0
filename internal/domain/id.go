package domain

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// NewID generates a UUIDv7 string for application-owned entities.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// JobKey is the deterministic identity of the load for one object generation.
// Every delivery of the same notification maps to the same key.
func JobKey(bucket, object string, generation int64) string {
	h := xxh3.New()
	_, _ = h.WriteString(bucket)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(object)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.FormatInt(generation, 10))
	return hashHex(h.Sum64())
}

// RowInsertID derives a stable per-row identifier from a job key and the
// source line number, so a rerun of the same job produces the same IDs.
func RowInsertID(jobKey string, line int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(line))
	h := xxh3.New()
	_, _ = h.WriteString(jobKey)
	_, _ = h.Write(buf[:])
	return hashHex(h.Sum64())
}

func hashHex(v uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return hex.EncodeToString(buf[:])
}
