package lock

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	hashuuid "github.com/hashicorp/go-uuid"
)

// IDGenerator creates owner identifiers and acquisition tokens.
type IDGenerator interface {
	// OwnerID identifies the execution context. It is called once per Locker.
	OwnerID() (string, error)
	// Token returns a value that is never reused by the same owner.
	Token() string
}

type defaultIDs struct{}

func (defaultIDs) OwnerID() (string, error) {
	return hashuuid.GenerateUUID()
}

func (defaultIDs) Token() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + uuid.NewString()
}
