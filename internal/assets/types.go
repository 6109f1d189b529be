// Package assets owns minted data-package NFTs, their ownership index and
// their provenance log.
package assets

import (
	"slices"
	"time"
)

type PaymentStatus string

const (
	PaymentActive   PaymentStatus = "active"
	PaymentExpired  PaymentStatus = "expired"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentInfo records the purchase backing an asset.
type PaymentInfo struct {
	Amount        uint64        `json:"amount"`
	TransactionID string        `json:"transactionId"`
	PaidAt        time.Time     `json:"paidAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	Status        PaymentStatus `json:"status"`
}

// NewPaymentInfo builds an active payment whose access lasts d from paidAt.
func NewPaymentInfo(amount uint64, txID string, paidAt time.Time, d time.Duration) PaymentInfo {
	return PaymentInfo{
		Amount:        amount,
		TransactionID: txID,
		PaidAt:        paidAt,
		ExpiresAt:     paidAt.Add(d),
		Status:        PaymentActive,
	}
}

// StatusAt reports Expired for an active payment past its expiry.
func (p PaymentInfo) StatusAt(now time.Time) PaymentStatus {
	if p.Status == PaymentActive && !now.Before(p.ExpiresAt) {
		return PaymentExpired
	}
	return p.Status
}

// TransferRecord is one append-only provenance entry.
type TransferRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Price     *uint64   `json:"price,omitempty"`
}

// Asset is the NFT metadata for one purchased package.
type Asset struct {
	TokenID         uint64           `json:"tokenId"`
	Owner           string           `json:"owner"`
	CreatedAt       time.Time        `json:"createdAt"`
	PackageID       string           `json:"packageId"`
	Payment         PaymentInfo      `json:"paymentInfo"`
	TransferHistory []TransferRecord `json:"transferHistory"`
}

func (a Asset) clone() Asset {
	a.TransferHistory = cloneHistory(a.TransferHistory)
	return a
}

func cloneHistory(h []TransferRecord) []TransferRecord {
	out := slices.Clone(h)
	for i := range out {
		if out[i].Price != nil {
			p := *out[i].Price
			out[i].Price = &p
		}
	}
	return out
}
