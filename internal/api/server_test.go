package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/engine"
	"github.com/web3guy0/jdbridge/internal/sign"
)

func newTestServer(t *testing.T) (*Server, *database.Database) {
	t.Helper()
	d, err := database.New("file:api_" + t.Name() + "?mode=memory&cache=shared&_busy_timeout=5000")
	require.NoError(t, err)
	require.NoError(t, d.AutoMigrate())
	return NewServer(d, engine.New(d), nil), d
}

func postForm(t *testing.T, s *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var reply map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	return reply
}

// gamePush builds a correctly signed game-channel push form.
func gamePush(t *testing.T, customerID, secret string, biz map[string]any) url.Values {
	t.Helper()
	data, err := sign.EncodeData(biz)
	require.NoError(t, err)
	params := map[string]string{
		"customerId": customerID,
		"timestamp":  time.Now().Format("20060102150405"),
		"data":       data,
	}
	if secret != "" {
		params["sign"] = sign.GameSign(params, secret)
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	return form
}

func seedGameShop(t *testing.T, d *database.Database, callbackURL string) *database.Shop {
	t.Helper()
	shop := &database.Shop{
		ShopCode: "TEST01", ShopName: "测试店铺", ShopType: database.ShopTypeGame,
		GameCustomerID: "C1", GameMD5Secret: "K",
		GameDirectCallbackURL: callbackURL,
		IsEnabled:             1,
	}
	require.NoError(t, d.SaveShop(shop))
	return shop
}

func TestGameDirectPushAndManualSuccess(t *testing.T) {
	var cbForm url.Values
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		cbForm = r.PostForm
		fmt.Fprint(w, `{"retCode":"100","retMessage":"ok"}`)
	}))
	defer platform.Close()

	s, d := newTestServer(t)
	shop := seedGameShop(t, d, platform.URL)

	rec := postForm(t, s, "/api/game/direct", gamePush(t, "C1", "K", map[string]any{
		"orderId":     "JD01",
		"skuId":       "S",
		"totalPrice":  "1.00",
		"buyNum":      "1",
		"gameAccount": "A",
	}))
	reply := decodeReply(t, rec)
	assert.Equal(t, "100", reply["retCode"])
	assert.Equal(t, "接收成功", reply["retMessage"])

	order, err := d.FindOrder("JD01", shop.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), order.Amount)
	assert.Equal(t, 1, order.Quantity)
	assert.Equal(t, database.OrderTypeDirect, order.OrderType)
	assert.Equal(t, database.OrderStatusPending, order.OrderStatus)
	assert.Equal(t, "A", order.ProduceAccount)

	events, err := d.ListOrderEvents(order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, database.EventOrderCreated, events[0].EventType)

	// Operator completes the top-up; the platform receives a signed
	// callback carrying the success business object.
	require.NoError(t, s.engine.ManualDirectSuccess(order, shop, "admin"))

	require.NotNil(t, cbForm)
	assert.Equal(t, "C1", cbForm.Get("customerId"))
	biz, err := sign.DecodeData(cbForm.Get("data"))
	require.NoError(t, err)
	assert.Equal(t, "JD01", biz["orderId"])
	assert.EqualValues(t, 0, biz["orderStatus"])

	order, _ = d.GetOrder(order.ID)
	assert.Equal(t, database.OrderStatusDone, order.OrderStatus)
}

func TestGameDuplicatePush(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGameShop(t, d, "")

	form := gamePush(t, "C1", "K", map[string]any{
		"orderId": "JD01", "totalPrice": "1.00", "buyNum": "1",
	})

	first := decodeReply(t, postForm(t, s, "/api/game/direct", form))
	second := decodeReply(t, postForm(t, s, "/api/game/direct", form))

	assert.Equal(t, "100", first["retCode"])
	assert.Equal(t, "100", second["retCode"])
	assert.Equal(t, "订单已存在", second["retMessage"])

	order, err := d.FindOrder("JD01", shop.ID)
	require.NoError(t, err)
	events, _ := d.ListOrderEvents(order.ID)
	assert.Len(t, events, 1, "duplicate must not append a second order_created")
}

func TestGameInvalidSignature(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGameShop(t, d, "")

	form := gamePush(t, "C1", "K", map[string]any{"orderId": "JD01", "totalPrice": "1.00"})
	form.Set("sign", "bad")

	reply := decodeReply(t, postForm(t, s, "/api/game/direct", form))
	assert.Equal(t, "200", reply["retCode"])
	assert.Equal(t, "签名验证失败", reply["retMessage"])

	_, err := d.FindOrder("JD01", shop.ID)
	assert.Error(t, err, "no order row on auth failure")
}

func TestGameExpiredShop(t *testing.T) {
	s, d := newTestServer(t)
	past := time.Now().Add(-time.Hour)
	shop := &database.Shop{
		ShopCode: "TEST01", ShopType: database.ShopTypeGame,
		GameCustomerID: "C1", GameMD5Secret: "K",
		IsEnabled: 1, ExpireTime: &past,
	}
	require.NoError(t, d.SaveShop(shop))

	form := gamePush(t, "C1", "K", map[string]any{"orderId": "JD01", "totalPrice": "1.00"})
	reply := decodeReply(t, postForm(t, s, "/api/game/direct", form))
	assert.Equal(t, "200", reply["retCode"])
}

func TestGameBadTotalPrice(t *testing.T) {
	s, d := newTestServer(t)
	seedGameShop(t, d, "")

	form := gamePush(t, "C1", "K", map[string]any{"orderId": "JD01", "totalPrice": "abc"})
	reply := decodeReply(t, postForm(t, s, "/api/game/direct", form))
	assert.Equal(t, "200", reply["retCode"])
	assert.Equal(t, "金额格式错误", reply["retMessage"])
}

func TestGameCustomerIDFallback(t *testing.T) {
	s, d := newTestServer(t)
	seedGameShop(t, d, "")

	// Legacy push without a matching customerId lands on the first
	// enabled game shop.
	form := gamePush(t, "", "K", map[string]any{"orderId": "JD02", "totalPrice": "2.50"})
	reply := decodeReply(t, postForm(t, s, "/api/game/direct", form))
	assert.Equal(t, "100", reply["retCode"])

	order, err := d.FindOrderAnyShop("JD02")
	require.NoError(t, err)
	assert.Equal(t, int64(250), order.Amount)
}

func TestGameQueryAfterDone(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGameShop(t, d, "")

	order, _, err := d.InsertOrderIfAbsent(&database.Order{
		JDOrderNo: "JD01", ShopID: shop.ID,
		ShopType: database.ShopTypeGame, OrderType: database.OrderTypeDirect,
	})
	require.NoError(t, err)
	require.NoError(t, d.ForceStatus(order, database.OrderStatusDone))

	form := gamePush(t, "C1", "K", map[string]any{"orderId": "JD01"})
	reply := decodeReply(t, postForm(t, s, "/api/game/query", form))
	require.Equal(t, "100", reply["retCode"])
	assert.Equal(t, "查询成功", reply["retMessage"])

	biz, err := sign.DecodeData(reply["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"orderStatus": float64(1)}, biz,
		"direct poll carries the status alone")
}

func TestGameCardQueryIncludesCards(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGameShop(t, d, "")

	order, _, err := d.InsertOrderIfAbsent(&database.Order{
		JDOrderNo: "JD01", ShopID: shop.ID,
		ShopType: database.ShopTypeGame, OrderType: database.OrderTypeCard,
	})
	require.NoError(t, err)
	require.NoError(t, d.SetCardInfo(order, []database.Card{{CardNo: "N1", CardPwd: "P1"}}))
	require.NoError(t, d.ForceStatus(order, database.OrderStatusDone))

	form := gamePush(t, "C1", "K", map[string]any{"orderId": "JD01"})
	reply := decodeReply(t, postForm(t, s, "/api/game/card-query", form))
	require.Equal(t, "100", reply["retCode"])

	biz, err := sign.DecodeData(reply["data"].(string))
	require.NoError(t, err)
	assert.EqualValues(t, 0, biz["orderStatus"], "card poll reports DONE as 0")
	assert.NotContains(t, biz, "orderId")

	infos, ok := biz["cardInfos"].([]any)
	require.True(t, ok)
	require.Len(t, infos, 1)
	card := infos[0].(map[string]any)
	assert.Equal(t, "N1", card["cardNo"])
	assert.Equal(t, "P1", card["cardPass"])
}

func TestGameQueryPendingStatuses(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGameShop(t, d, "")
	_, _, err := d.InsertOrderIfAbsent(&database.Order{
		JDOrderNo: "JD01", ShopID: shop.ID,
		ShopType: database.ShopTypeGame, OrderType: database.OrderTypeDirect,
	})
	require.NoError(t, err)

	form := gamePush(t, "C1", "K", map[string]any{"orderId": "JD01"})

	biz := func(path string) map[string]any {
		reply := decodeReply(t, postForm(t, s, path, form))
		require.Equal(t, "100", reply["retCode"])
		out, err := sign.DecodeData(reply["data"].(string))
		require.NoError(t, err)
		return out
	}

	assert.EqualValues(t, 0, biz("/api/game/query")["orderStatus"])
	assert.EqualValues(t, 1, biz("/api/game/card-query")["orderStatus"])
}

func TestApiLogWritten(t *testing.T) {
	s, d := newTestServer(t)
	seedGameShop(t, d, "")

	form := gamePush(t, "C1", "K", map[string]any{"orderId": "JD01", "totalPrice": "1.00"})
	form.Set("sign", "bad")
	postForm(t, s, "/api/game/direct", form)

	logs, err := d.ListApiLogs()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "game_direct", logs[0].ApiType)
	assert.Equal(t, http.StatusOK, logs[0].ResponseStatus)
	assert.Contains(t, logs[0].ResponseBody, "签名验证失败")
}
