package mobilemoney

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

var (
	ErrConfigInvalid    = errors.New("mobile money config invalid")
	ErrRequestFailed    = errors.New("mobile money request failed")
	ErrResponseInvalid  = errors.New("mobile money response invalid")
	ErrInitiateRefused  = errors.New("mobile money initiation refused")
	ErrSignatureInvalid = errors.New("mobile money signature invalid")
	ErrPayloadInvalid   = errors.New("mobile money payload invalid")
)

const (
	initiateSuccessCode = "201"
	defaultInitPath     = "/v2/payment"
	defaultCheckPath    = "/v2/payment/check"
	defaultTimeout      = 15 * time.Second
)

// Config 网关配置，客户端构建后只读
type Config struct {
	BaseURL    string
	InitPath   string
	CheckPath  string
	APIKey     string
	MerchantID string
	SecretKey  string
	Currency   string
	NotifyURL  string
	ReturnURL  string
	Channels   []string
	Timeout    time.Duration
	Location   *time.Location
}

// ValidateConfig 校验网关配置完整性
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("%w: base_url is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return fmt.Errorf("%w: api_key is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return fmt.Errorf("%w: merchant_id is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return fmt.Errorf("%w: secret_key is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.NotifyURL) == "" {
		return fmt.Errorf("%w: notify_url is required", ErrConfigInvalid)
	}
	return nil
}

func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if strings.TrimSpace(c.InitPath) == "" {
		c.InitPath = defaultInitPath
	}
	if strings.TrimSpace(c.CheckPath) == "" {
		c.CheckPath = defaultCheckPath
	}
	if strings.TrimSpace(c.Currency) == "" {
		c.Currency = "XOF"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	c.Channels = append([]string(nil), c.Channels...)
}

// Client 移动支付网关客户端，可并发使用
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient 创建网关客户端；httpClient 为空时使用带超时的默认客户端
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg.normalize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

// Currency 默认币种
func (c *Client) Currency() string {
	return c.cfg.Currency
}

// CanonicalAmount 签名与报文使用的金额文本
func CanonicalAmount(amount decimal.Decimal) string {
	return amount.Round(2).String()
}

// Sign 计算请求签名：HMAC-SHA256(secret, api_key|merchant_id|transaction_id|amount)
func (c *Client) Sign(transactionID, amount string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(strings.Join([]string{c.cfg.APIKey, c.cfg.MerchantID, transactionID, amount}, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验签名
func (c *Client) VerifySignature(transactionID, amount, signature string) error {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" || strings.TrimSpace(transactionID) == "" {
		return ErrSignatureInvalid
	}
	expected := c.Sign(transactionID, amount)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// InitiateRequest 发起支付请求
type InitiateRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Description   string
	Channel       string
	CustomerPhone string
	CustomerEmail string
	CustomerName  string
}

// InitiateResult 发起支付结果
type InitiateResult struct {
	PaymentToken string
	PaymentURL   string
	Code         string
	Raw          map[string]interface{}
}

// RefusedError 网关明确拒绝（非网络问题）
type RefusedError struct {
	Code    string
	Message string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s: code=%s message=%s", ErrInitiateRefused.Error(), e.Code, e.Message)
}

// Is 支持 errors.Is(err, ErrInitiateRefused)
func (e *RefusedError) Is(target error) bool {
	return target == ErrInitiateRefused
}

// Initiate 向网关发起移动支付
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if strings.TrimSpace(req.TransactionID) == "" || !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: transaction_id and positive amount are required", ErrPayloadInvalid)
	}
	amount := CanonicalAmount(req.Amount)
	channels := strings.Join(c.cfg.Channels, ",")
	if req.Channel != "" {
		channels = req.Channel
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = req.TransactionID
	}
	body := map[string]interface{}{
		"apikey":         c.cfg.APIKey,
		"merchant_id":    c.cfg.MerchantID,
		"transaction_id": req.TransactionID,
		"amount":         amount,
		"currency":       c.cfg.Currency,
		"description":    description,
		"return_url":     c.cfg.ReturnURL,
		"notify_url":     c.cfg.NotifyURL,
		"customer_phone": req.CustomerPhone,
		"customer_email": req.CustomerEmail,
		"customer_name":  req.CustomerName,
		"channels":       channels,
		"signature":      c.Sign(req.TransactionID, amount),
	}

	raw, err := c.postJSON(ctx, c.cfg.InitPath, body)
	if err != nil {
		return nil, err
	}
	code := cast.ToString(raw["code"])
	if code != initiateSuccessCode {
		return nil, &RefusedError{Code: code, Message: firstNonEmpty(cast.ToString(raw["description"]), cast.ToString(raw["message"]))}
	}
	data := cast.ToStringMap(raw["data"])
	result := &InitiateResult{
		PaymentToken: strings.TrimSpace(cast.ToString(data["payment_token"])),
		PaymentURL:   strings.TrimSpace(cast.ToString(data["payment_url"])),
		Code:         code,
		Raw:          raw,
	}
	if result.PaymentURL == "" {
		return nil, fmt.Errorf("%w: payment_url missing", ErrResponseInvalid)
	}
	return result, nil
}

// StatusResult 网关状态查询结果
type StatusResult struct {
	TransactionID     string
	Code              string
	ProviderStatus    string
	Status            string
	Amount            decimal.Decimal
	Currency          string
	Operator          string
	ProviderPaymentID string
	Raw               map[string]interface{}
}

// CheckStatus 查询交易状态
func (c *Client) CheckStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", ErrPayloadInvalid)
	}
	raw, err := c.postJSON(ctx, c.cfg.CheckPath, map[string]interface{}{
		"apikey":         c.cfg.APIKey,
		"merchant_id":    c.cfg.MerchantID,
		"transaction_id": transactionID,
	})
	if err != nil {
		return nil, err
	}
	data := cast.ToStringMap(raw["data"])
	result := &StatusResult{
		TransactionID:     transactionID,
		Code:              cast.ToString(raw["code"]),
		ProviderStatus:    strings.ToUpper(strings.TrimSpace(cast.ToString(data["status"]))),
		Currency:          cast.ToString(data["currency"]),
		Operator:          cast.ToString(data["payment_method"]),
		ProviderPaymentID: cast.ToString(data["operator_id"]),
		Raw:               raw,
	}
	if amount, err := decimal.NewFromString(cast.ToString(data["amount"])); err == nil {
		result.Amount = amount
	}
	result.Status = NormalizeStatus(result.Code, result.ProviderStatus)
	return result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode body: %v", ErrPayloadInvalid, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildEndpoint(c.cfg.BaseURL, path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: http status %d", ErrRequestFailed, resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrResponseInvalid, err)
	}
	return raw, nil
}

func buildEndpoint(baseURL, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return baseURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
