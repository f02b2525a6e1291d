package utils

import (
	"strings"

	"github.com/google/uuid"
)

// MaxClientOrderIDLength is the longest client order id Binance accepts.
const MaxClientOrderIDLength = 36

// NewClientOrderID returns a unique client order id carrying prefix, truncated to
// MaxClientOrderIDLength.
func NewClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix != "" {
		id = prefix + "-" + id
	}

	if len(id) > MaxClientOrderIDLength {
		id = id[:MaxClientOrderIDLength]
	}

	return id
}
