package provider

import (
	"encoding/json"
	"strings"
	"time"
)

// Raw provider status strings.
const (
	StatusCreated     = "CREATED"
	StatusGotResource = "GOT_RESOURCE"
	StatusOnboard     = "ONBOARD"
	StatusActivated   = "ACTIVATED"
	StatusEnabled     = "ENABLED"
	StatusInUse       = "IN_USE"
	StatusUsedUp      = "USED_UP"
	StatusUsedExpired = "USED_EXPIRED"
	StatusExpired     = "EXPIRED"
	StatusCancel      = "CANCEL"
)

// StatusResult is the provider's view of one order.
type StatusResult struct {
	OrderID          string
	EsimTranNo       string
	Status           string
	SMDPStatus       string
	UsageBytes       int64
	TotalVolumeBytes int64
	ExpiryDate       *time.Time
	QRCode           string
	ActivationCode   string
	ICCID            string
	InstallationTime *time.Time
	ActivateTime     *time.Time
	RawData          json.RawMessage
}

// HasQRCode reports whether the provider has issued a QR code URL.
func (r *StatusResult) HasQRCode() bool {
	return strings.HasPrefix(r.QRCode, "http")
}

// PurchaseResult is returned after ordering a package.
type PurchaseResult struct {
	OrderID       string
	TransactionID string
	RawData       json.RawMessage
}

// ActivationData holds the installation artifacts of an order.
type ActivationData struct {
	QRCode         string
	ActivationCode string
	ICCID          string
	Success        bool
}

// Wire types.

type apiEnvelope struct {
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
	Obj       json.RawMessage `json:"obj"`
}

type queryRequest struct {
	OrderNo string `json:"orderNo"`
	Pager   pager  `json:"pager"`
}

type pager struct {
	PageNum  int `json:"pageNum"`
	PageSize int `json:"pageSize"`
}

// queryResponse keeps each list entry raw so it can be stored verbatim.
type queryResponse struct {
	EsimList []json.RawMessage `json:"esimList"`
}

type esimItem struct {
	EsimTranNo       string  `json:"esimTranNo"`
	OrderNo          string  `json:"orderNo"`
	ICCID            string  `json:"iccid"`
	AC               string  `json:"ac"`
	QRCodeURL        string  `json:"qrCodeUrl"`
	SMDPStatus       string  `json:"smdpStatus"`
	EsimStatus       string  `json:"esimStatus"`
	TotalVolume      Counter `json:"totalVolume"`
	OrderUsage       Counter `json:"orderUsage"`
	ExpiredTime      *string `json:"expiredTime"`
	ActivateTime     *string `json:"activateTime"`
	InstallationTime *string `json:"installationTime"`
}

type cancelRequest struct {
	EsimTranNo string `json:"esimTranNo,omitempty"`
	ICCID      string `json:"iccid,omitempty"`
}

type orderRequest struct {
	TransactionID   string        `json:"transactionId"`
	PackageInfoList []packageInfo `json:"packageInfoList"`
}

type packageInfo struct {
	PackageCode string `json:"packageCode"`
	Count       int    `json:"count"`
}

type orderResponse struct {
	OrderNo string `json:"orderNo"`
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses the timestamp formats used by the provider.
// Empty and "null" values yield nil.
func ParseTime(value *string) *time.Time {
	if value == nil {
		return nil
	}
	s := strings.TrimSpace(*value)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
