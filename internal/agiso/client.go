// Package agiso talks to the Agiso open platform (the bearer-token
// dialect of the fulfillment backends). Shops authorize the app once and
// hand over an access token; all calls are signed with the app secret.
package agiso

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/sign"
)

const (
	// DefaultBaseURL is the official gateway.
	DefaultBaseURL = "https://gw-api.agiso.com"

	requestTimeout = 30 * time.Second
)

// Reply is the platform's fixed response envelope.
type Reply struct {
	IsSuccess bool            `json:"IsSuccess"`
	ErrorCode int             `json:"Error_Code"`
	ErrorMsg  string          `json:"Error_Msg"`
	Data      json.RawMessage `json:"Data"`
}

type Client struct {
	baseURL     string
	appID       string
	appSecret   string
	accessToken string
	httpClient  *http.Client
}

// NewClient builds a client from the shop's Agiso credentials. A custom
// host/port overrides the official gateway.
func NewClient(shop *database.Shop) *Client {
	return &Client{
		baseURL:     baseURLFor(shop),
		appID:       shop.AgisoAppID,
		appSecret:   shop.AgisoAppSecret,
		accessToken: shop.AgisoAccessToken,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
}

func baseURLFor(shop *database.Shop) string {
	host := shop.AgisoHost
	if host == "" || host == "open.agiso.com" || host == "gw-api.agiso.com" {
		return DefaultBaseURL
	}
	port := shop.AgisoPort
	if port != "" && port != "80" && port != "443" {
		return "https://" + host + ":" + port
	}
	return "https://" + host
}

// post signs the params, attaches the bearer token and ApiVersion header,
// and decodes the fixed reply envelope.
func (c *Client) post(path string, params map[string]string) (*Reply, error) {
	if c.accessToken == "" {
		return nil, fmt.Errorf("阿奇索AccessToken未配置")
	}

	req := map[string]string{
		"appId":     c.appID,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range params {
		req[k] = v
	}
	req["sign"] = sign.AgisoSign(req, c.appSecret)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("ApiVersion", "1")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("连接阿奇索服务器失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP请求错误: %d", resp.StatusCode)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if !reply.IsSuccess && reply.ErrorCode != 0 {
		log.Warn().Str("path", path).Int("error_code", reply.ErrorCode).
			Str("error_msg", reply.ErrorMsg).Msg("Agiso API error")
		return &reply, fmt.Errorf("阿奇索接口错误[%d]: %s", reply.ErrorCode, reply.ErrorMsg)
	}
	return &reply, nil
}

// RechargeSend triggers game-card direct top-up delivery for an upstream
// order id.
func (c *Client) RechargeSend(tid string) error {
	_, err := c.post("/aldsJd/GameCard/RechargeSend", map[string]string{"tid": tid})
	return err
}

// CardSend delivers card codes for a game-card order.
func (c *Client) CardSend(tid string, cards []database.Card) error {
	cardJSON, err := json.Marshal(cards)
	if err != nil {
		return err
	}
	_, err = c.post("/aldsJd/GameCard/CardSend", map[string]string{
		"tid":      tid,
		"cardJson": string(cardJSON),
	})
	return err
}

// VtpSend triggers general-trading delivery.
func (c *Client) VtpSend(tid string) error {
	_, err := c.post("/aldsJd/Vtp/Send", map[string]string{"tid": tid})
	return err
}

// VtpRefund triggers a general-trading refund.
func (c *Client) VtpRefund(tid string) error {
	_, err := c.post("/aldsJd/Vtp/Refund", map[string]string{"tid": tid})
	return err
}

// QueryDeposit returns the raw deposit balance payload.
func (c *Client) QueryDeposit() (json.RawMessage, error) {
	reply, err := c.post("/open/Bankroll/QueryDeposit", nil)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// TestConnection verifies the credentials by querying the deposit balance
// and reports it when the payload carries a recognizable number.
func (c *Client) TestConnection() (string, error) {
	data, err := c.QueryDeposit()
	if err != nil {
		return "", err
	}
	var balance float64
	if json.Unmarshal(data, &balance) == nil {
		return fmt.Sprintf("连接成功，余额：%.3f", balance), nil
	}
	var obj struct {
		Balance *float64 `json:"Balance"`
	}
	if json.Unmarshal(data, &obj) == nil && obj.Balance != nil {
		return fmt.Sprintf("连接成功，余额：%.3f", *obj.Balance), nil
	}
	return "连接成功", nil
}
