package idgen

import (
	"crypto/rand"
	"math/big"
	"time"
)

const txAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TransactionID returns a gateway transaction reference of the form
// TRX-YYYYMMDD-XXXXXXXXXXXX.
func TransactionID(day time.Time) (string, error) {
	buf := make([]byte, 12)
	max := big.NewInt(int64(len(txAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = txAlphabet[n.Int64()]
	}
	return "TRX-" + day.Format("20060102") + "-" + string(buf), nil
}
