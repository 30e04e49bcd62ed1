// Package card91 talks to the 91 card-inventory service (REST dialect).
// The engine draws card codes from it on demand when an order's SKU is
// configured for automatic card fulfillment.
package card91

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/sign"
)

const (
	// DefaultBaseURL is used when the shop has no custom API address.
	DefaultBaseURL = "https://api.91kaquan.com"

	requestTimeout = 30 * time.Second
)

// CardType is one inventory card kind.
type CardType struct {
	ID     string
	Name   string
	Stock  int
	Price  float64
	Remark string
}

type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient builds a client from the shop's inventory credentials.
func NewClient(shop *database.Shop) *Client {
	baseURL := shop.Card91APIURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     shop.Card91APIKey,
		apiSecret:  shop.Card91APISecret,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// request performs a signed call and unwraps the tolerant response shape
// (code|status, msg|message, data|result).
func (c *Client) request(method, endpoint string, params map[string]string) (any, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("91卡券API密钥未配置")
	}

	req := map[string]string{
		"api_key":   c.apiKey,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range params {
		req[k] = v
	}
	if c.apiSecret != "" {
		req["sign"] = sign.Card91Sign(req, c.apiSecret)
	}

	var httpReq *http.Request
	var err error
	if method == http.MethodGet {
		q := url.Values{}
		for k, v := range req {
			q.Set(k, v)
		}
		httpReq, err = http.NewRequest(method, c.baseURL+endpoint+"?"+q.Encode(), nil)
	} else {
		body, _ := json.Marshal(req)
		httpReq, err = http.NewRequest(method, c.baseURL+endpoint, bytes.NewReader(body))
		if httpReq != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("连接91卡券服务器失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP请求错误: %d", resp.StatusCode)
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	code, okCode := result["code"]
	if !okCode {
		code = result["status"]
	}
	msg, _ := result["msg"].(string)
	if msg == "" {
		msg, _ = result["message"].(string)
	}
	data, okData := result["data"]
	if !okData {
		data = result["result"]
	}

	if !codeOK(code) {
		log.Warn().Str("endpoint", endpoint).Interface("code", code).Str("msg", msg).
			Msg("91 inventory API error")
		if msg == "" {
			msg = fmt.Sprintf("接口返回错误码：%v", code)
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return data, nil
}

func codeOK(code any) bool {
	switch v := code.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v == 0 || v == 200
	case string:
		return v == "0" || v == "200" || v == "success"
	default:
		return false
	}
}

// listItems digs the item array out of a bare list or a wrapper object
// keyed by cards/list/items.
func listItems(data any, keys ...string) []any {
	if items, ok := data.([]any); ok {
		return items
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	for _, k := range keys {
		if items, ok := obj[k].([]any); ok {
			return items
		}
	}
	return nil
}

func itemString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func itemInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// ListCardTypes returns all card kinds available to this account.
func (c *Client) ListCardTypes() ([]CardType, error) {
	data, err := c.request(http.MethodGet, "/api/card/types", nil)
	if err != nil {
		return nil, err
	}
	var types []CardType
	for _, item := range listItems(data, "list", "items") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		price, _ := m["price"].(float64)
		types = append(types, CardType{
			ID:     itemString(m, "id", "type_id"),
			Name:   itemString(m, "name", "type_name"),
			Stock:  itemInt(m, "stock", "count"),
			Price:  price,
			Remark: itemString(m, "remark", "desc"),
		})
	}
	return types, nil
}

// GetStock returns the remaining stock for one card kind.
func (c *Client) GetStock(cardTypeID string) (int, error) {
	data, err := c.request(http.MethodGet, "/api/card/stock",
		map[string]string{"card_type_id": cardTypeID})
	if err != nil {
		return 0, err
	}
	if m, ok := data.(map[string]any); ok {
		return itemInt(m, "stock", "count"), nil
	}
	return 0, nil
}

// FetchCards draws quantity card codes for the given order. The order
// number is the idempotency key accepted by the service, so a retry for
// the same order does not double-pick. Fewer cards than requested is an
// error; surplus is truncated.
func (c *Client) FetchCards(cardTypeID string, quantity int, orderNo string) ([]database.Card, error) {
	if cardTypeID == "" {
		return nil, fmt.Errorf("卡种ID未配置")
	}
	data, err := c.request(http.MethodPost, "/api/card/fetch", map[string]string{
		"card_type_id": cardTypeID,
		"quantity":     strconv.Itoa(quantity),
		"order_no":     orderNo,
	})
	if err != nil {
		return nil, err
	}

	var cards []database.Card
	for _, item := range listItems(data, "cards", "list") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cards = append(cards, database.Card{
			CardNo:  itemString(m, "card_no", "cardNo", "number"),
			CardPwd: itemString(m, "card_pwd", "cardPwd", "password"),
			Expiry:  itemString(m, "expiry", "expire"),
		})
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("提卡成功但未返回卡密数据")
	}
	if len(cards) < quantity {
		return nil, fmt.Errorf("卡密数量不足，需要%d张，只取到%d张", quantity, len(cards))
	}
	return cards[:quantity], nil
}

// TestConnection validates the shop's inventory configuration by listing
// card types.
func (c *Client) TestConnection() (string, error) {
	types, err := c.ListCardTypes()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("连接成功，共有%d个卡种", len(types)), nil
}
