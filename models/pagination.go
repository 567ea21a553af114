package models

import (
	"encoding/base64"
	"strconv"
)

type PageInfo struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// DecodeCursor turns an opaque cursor back into the last seen id. An empty or
// malformed cursor starts from the beginning.
func DecodeCursor(cursor string) uint {
	if cursor == "" {
		return 0
	}
	b, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func EncodeCursor(id uint) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatUint(uint64(id), 10)))
}

// PageSyncResults fetches one page after cursor; it reads limit+1 rows to know
// whether another page exists.
func PageSyncResults(results []*SyncResultEntry, limit int) ([]*SyncResultEntry, PageInfo) {
	info := PageInfo{}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
		info.HasNextPage = true
	}
	if len(results) > 0 {
		info.EndCursor = EncodeCursor(results[len(results)-1].ID)
	}
	return results, info
}
