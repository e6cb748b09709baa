package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// VATRate is the UAE value-added tax rate.
var VATRate = decimal.RequireFromString("0.05")

// VAT returns the VAT owed on amount, rounded to cents. Non-UAE companies pay none.
func VAT(amount decimal.Decimal, uae bool) decimal.Decimal {
	if !uae {
		return decimal.Zero
	}
	return amount.Mul(VATRate).Round(2)
}

// RefundReference is the idempotency key of an eSIM refund.
func RefundReference(orderID string, esimID int64) string {
	if orderID == "" {
		return fmt.Sprintf("refund:esim:%d", esimID)
	}
	return "refund:" + orderID
}

// PurchaseReference is the idempotency key of an eSIM purchase charge.
func PurchaseReference(orderID string) string {
	return "purchase:" + orderID
}

// TopUpReference is the idempotency key of a card top-up.
func TopUpReference(paymentIntentID string) string {
	return "stripe:" + paymentIntentID
}
