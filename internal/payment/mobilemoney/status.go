package mobilemoney

import "strings"

// 归一化状态
const (
	StatusAccepted = "accepted"
	StatusRefused  = "refused"
	StatusPending  = "pending"
	StatusUnknown  = "unknown"
)

// 网关结果码
var (
	acceptedCodes = map[string]struct{}{"00": {}}
	refusedCodes  = map[string]struct{}{
		"600": {}, // PAYMENT_FAILED
		"602": {}, // INSUFFICIENT_BALANCE
		"604": {}, // OTP_CODE_ERROR
		"627": {}, // TRANSACTION_CANCEL
	}
	pendingCodes = map[string]struct{}{
		"623": {}, // WAITING_CUSTOMER_TO_VALIDATE
		"662": {}, // WAITING_CUSTOMER_PAYMENT
		"663": {}, // WAITING_CUSTOMER_OTP_CODE
	}
)

// NormalizeStatus 将网关结果码或状态字归一化为 accepted/refused/pending/unknown
func NormalizeStatus(code, providerStatus string) string {
	switch strings.ToUpper(strings.TrimSpace(providerStatus)) {
	case "ACCEPTED", "SUCCESS":
		return StatusAccepted
	case "REFUSED", "CANCELED", "CANCELLED", "FAILED":
		return StatusRefused
	case "PENDING", "WAITING_FOR_CUSTOMER", "WAITING_CUSTOMER_PAYMENT":
		return StatusPending
	}
	code = strings.TrimSpace(code)
	if _, ok := acceptedCodes[code]; ok {
		return StatusAccepted
	}
	if _, ok := refusedCodes[code]; ok {
		return StatusRefused
	}
	if _, ok := pendingCodes[code]; ok {
		return StatusPending
	}
	return StatusUnknown
}
