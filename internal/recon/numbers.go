package recon

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NextInvoiceNumber formats INV-<yyyyMMdd>-<unix nanos>-<6 random chars>.
func NextInvoiceNumber(now time.Time) string {
	now = now.UTC()
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("INV-%s-%d-%s", now.Format("20060102"), now.UnixNano(), suffix)
}
