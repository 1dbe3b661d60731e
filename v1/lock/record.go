package lock

import (
	"encoding/json"
	"errors"
	"time"
)

var errCorruptRecord = errors.New("storelock: corrupt lock record")

// Record is the value stored under a lock key while the lock is held.
type Record struct {
	ID            string `json:"id"`
	Token         string `json:"iat"`
	TimeoutKey    string `json:"timeoutKey"`
	TimeAcquired  int64  `json:"timeAcquired"`
	TimeRefreshed *int64 `json:"timeRefreshed,omitempty"`
}

func newRecord(owner, key, token string, now time.Time) Record {
	return Record{
		ID:           owner,
		Token:        token,
		TimeoutKey:   owner + "-" + key + "-" + token,
		TimeAcquired: now.UnixMilli(),
	}
}

// LastProof returns the last time the owner proved it was alive.
func (r Record) LastProof() time.Time {
	if r.TimeRefreshed != nil {
		return time.UnixMilli(*r.TimeRefreshed)
	}
	return time.UnixMilli(r.TimeAcquired)
}

// ParseRecord decodes a stored value. Values that are not JSON or lack an
// owner or token are reported as corrupt.
func ParseRecord(raw string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, errCorruptRecord
	}
	if r.ID == "" || r.Token == "" {
		return Record{}, errCorruptRecord
	}
	return r, nil
}

func (r Record) encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
