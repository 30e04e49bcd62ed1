// Package callback delivers signed fulfillment results back to the JD
// platforms. Each channel has a request builder and a reply classifier;
// results come back as (ok, message) pairs that the engine records into
// order events.
package callback

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/sign"
)

const requestTimeout = 10 * time.Second

type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// wireTimestamp is the local wall-clock format both platforms expect in
// callback bodies. Stored times stay UTC; this is wire-only.
func wireTimestamp() string {
	return time.Now().Format("20060102150405")
}

// gameCards maps the canonical card shape to the game platform's
// lower-case cardinfos entries.
func gameCards(cards []database.Card) []map[string]string {
	out := make([]map[string]string, 0, len(cards))
	for _, c := range cards {
		out = append(out, map[string]string{
			"cardno":   c.CardNo,
			"cardpass": c.CardPwd,
		})
	}
	return out
}

// generalCards maps cards to the general platform's product entries.
func generalCards(cards []database.Card) []map[string]string {
	out := make([]map[string]string, 0, len(cards))
	for _, c := range cards {
		expiry := c.Expiry
		if expiry == "" {
			expiry = "2099-12-31"
		}
		out = append(out, map[string]string{
			"cardNumber": c.CardNo,
			"password":   c.CardPwd,
			"expiryDate": expiry,
		})
	}
	return out
}

// gameCallbackURL picks the callback endpoint: the type-specific URL wins,
// then the shared api URL, then the other type's URL.
func gameCallbackURL(shop *database.Shop, orderType database.OrderType) string {
	if orderType == database.OrderTypeCard {
		for _, u := range []string{shop.GameCardCallbackURL, shop.GameAPIURL, shop.GameDirectCallbackURL} {
			if u != "" {
				return u
			}
		}
		return ""
	}
	for _, u := range []string{shop.GameDirectCallbackURL, shop.GameAPIURL, shop.GameCardCallbackURL} {
		if u != "" {
			return u
		}
	}
	return ""
}

// generalCallbackURL picks the order's notify URL over the shop default and
// guarantees the /produce/result suffix.
func generalCallbackURL(shop *database.Shop, order *database.Order) string {
	u := order.NotifyURL
	if u == "" {
		u = shop.GeneralCallbackURL
	}
	if u == "" {
		return ""
	}
	if !strings.HasSuffix(u, "/produce/result") {
		u = strings.TrimRight(u, "/") + "/produce/result"
	}
	return u
}

func (c *Client) postForm(callbackURL string, params map[string]string) (map[string]any, error) {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	resp, err := c.httpClient.PostForm(callbackURL, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	return reply, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// callGame signs and posts a game-channel business object, then classifies
// the reply: retCode "100" is success.
func (c *Client) callGame(shop *database.Shop, order *database.Order, dataObj map[string]any) (bool, string) {
	callbackURL := gameCallbackURL(shop, order.OrderType)
	if callbackURL == "" {
		log.Warn().Str("order_no", order.OrderNo).Msg("No game callback URL configured")
		return false, "未配置回调地址"
	}

	dataB64, err := sign.EncodeData(dataObj)
	if err != nil {
		return false, err.Error()
	}
	params := map[string]string{
		"customerId": shop.GameCustomerID,
		"timestamp":  wireTimestamp(),
		"data":       dataB64,
	}
	if shop.GameMD5Secret != "" {
		params["sign"] = sign.GameSign(params, shop.GameMD5Secret)
	}

	reply, err := c.postForm(callbackURL, params)
	if err != nil {
		log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("Game callback failed")
		return false, err.Error()
	}
	retCode := stringField(reply, "retCode")
	if retCode == "100" {
		return true, "回调成功"
	}
	return false, fmt.Sprintf("回调失败: [%s]%s", retCode, stringField(reply, "retMessage"))
}

// GameDirectSuccess reports a completed top-up: orderStatus 0.
func (c *Client) GameDirectSuccess(shop *database.Shop, order *database.Order) (bool, string) {
	return c.callGame(shop, order, map[string]any{
		"orderId":     order.JDOrderNo,
		"orderStatus": 0,
	})
}

// GameCardDeliver reports delivered card codes. Field names inside
// cardinfos are lower-case per the platform protocol.
func (c *Client) GameCardDeliver(shop *database.Shop, order *database.Order, cards []database.Card) (bool, string) {
	return c.callGame(shop, order, map[string]any{
		"orderId":     order.JDOrderNo,
		"orderStatus": 0,
		"cardinfos":   gameCards(cards),
	})
}

// GameRefund reports fulfillment failure: orderStatus 2 triggers an
// upstream refund.
func (c *Client) GameRefund(shop *database.Shop, order *database.Order) (bool, string) {
	return c.callGame(shop, order, map[string]any{
		"orderId":     order.JDOrderNo,
		"orderStatus": 2,
	})
}

// callGeneral signs and posts a general-channel form, then classifies the
// reply: code "0" is success.
func (c *Client) callGeneral(shop *database.Shop, order *database.Order, produceStatus int, productJSON string) (bool, string) {
	callbackURL := generalCallbackURL(shop, order)
	if callbackURL == "" {
		log.Warn().Str("order_no", order.OrderNo).Msg("No general callback URL configured")
		return false, "未配置回调地址"
	}

	params := map[string]string{
		"vendorId":      shop.GeneralVendorID,
		"jdOrderNo":     order.JDOrderNo,
		"agentOrderNo":  order.OrderNo,
		"produceStatus": strconv.Itoa(produceStatus),
		"quantity":      strconv.Itoa(order.Quantity),
		"timestamp":     wireTimestamp(),
		"signType":      "MD5",
	}
	if productJSON != "" {
		if shop.GeneralAESSecret != "" {
			enc, err := sign.AESEncrypt(productJSON, shop.GeneralAESSecret)
			if err != nil {
				return false, err.Error()
			}
			params["product"] = enc
		} else {
			params["product"] = productJSON
		}
	}
	if shop.GeneralMD5Secret != "" {
		params["sign"] = sign.GeneralSign(params, shop.GeneralMD5Secret)
	}

	reply, err := c.postForm(callbackURL, params)
	if err != nil {
		log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("General callback failed")
		return false, err.Error()
	}
	code := stringField(reply, "code")
	if code == "0" {
		return true, "回调成功"
	}
	return false, fmt.Sprintf("回调失败: [%s]%s", code, stringField(reply, "message"))
}

// GeneralSuccess reports a completed direct order: produceStatus 1.
func (c *Client) GeneralSuccess(shop *database.Shop, order *database.Order) (bool, string) {
	return c.callGeneral(shop, order, 1, "")
}

// GeneralCardDeliver reports delivered card codes; the product field is
// the AES-ECB ciphertext of the normalized card array JSON.
func (c *Client) GeneralCardDeliver(shop *database.Shop, order *database.Order, cards []database.Card) (bool, string) {
	productJSON, err := json.Marshal(generalCards(cards))
	if err != nil {
		return false, err.Error()
	}
	return c.callGeneral(shop, order, 1, string(productJSON))
}

// GeneralRefund reports fulfillment failure: produceStatus 2 triggers an
// upstream refund.
func (c *Client) GeneralRefund(shop *database.Shop, order *database.Order) (bool, string) {
	return c.callGeneral(shop, order, 2, "")
}

// ProductJSON exposes the normalized general-channel card serialization
// for query replies.
func ProductJSON(cards []database.Card) string {
	raw, err := json.Marshal(generalCards(cards))
	if err != nil {
		return "[]"
	}
	return string(raw)
}
