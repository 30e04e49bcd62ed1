package api

import (
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
	"github.com/web3guy0/jdbridge/internal/sign"
)

const aesKey32 = "kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk"

func seedGeneralShop(t *testing.T, d *database.Database, callbackURL, card91URL string) *database.Shop {
	t.Helper()
	shop := &database.Shop{
		ShopCode: "GEN01", ShopName: "通用店铺", ShopType: database.ShopTypeGeneral,
		GeneralVendorID: "V1", GeneralMD5Secret: "GK", GeneralAESSecret: aesKey32,
		GeneralCallbackURL: callbackURL,
		Card91APIURL:       card91URL, Card91APIKey: "AK", Card91APISecret: "SK",
		IsEnabled: 1,
	}
	require.NoError(t, d.SaveShop(shop))
	return shop
}

// distillForm builds a signed general-channel push.
func distillForm(fields map[string]string, secret string) url.Values {
	params := map[string]string{
		"timestamp": time.Now().Format("20060102150405"),
		"signType":  "MD5",
	}
	for k, v := range fields {
		params[k] = v
	}
	if secret != "" {
		params["sign"] = sign.GeneralSign(params, secret)
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	return form
}

func TestGeneralCardAutoFulfill(t *testing.T) {
	inventory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"cards":[
			{"card_no":"N1","card_pwd":"P1"},
			{"card_no":"N2","card_pwd":"P2"}
		]}}`)
	}))
	defer inventory.Close()

	var cbPath string
	var cbForm url.Values
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		cbPath = r.URL.Path
		cbForm = r.PostForm
		fmt.Fprint(w, `{"code":"0","message":"ok"}`)
	}))
	defer platform.Close()

	s, d := newTestServer(t)
	shop := seedGeneralShop(t, d, platform.URL, inventory.URL)
	require.NoError(t, d.SaveProduct(&database.Product{
		ShopID: shop.ID, SkuID: "SKU1", DeliverType: database.DeliverTypeAutoCard,
		Card91CardTypeID: "CT1", IsEnabled: 1,
	}))

	reply := decodeReply(t, postForm(t, s, "/api/general/distill", distillForm(map[string]string{
		"vendorId":  "V1",
		"jdOrderNo": "J2",
		"bizType":   "2",
		"quantity":  "2",
		"wareNo":    "SKU1",
	}, "GK")))
	assert.EqualValues(t, 3, reply["produceStatus"])
	assert.Equal(t, "JDO_201", reply["code"])
	assert.NotEmpty(t, reply["sign"])

	order, err := d.FindOrder("J2", shop.ID)
	require.NoError(t, err)
	assert.Equal(t, database.OrderStatusDone, order.OrderStatus)
	require.Len(t, order.Cards(), 2)
	assert.Equal(t, "N1", order.Cards()[0].CardNo)

	// Callback landed on the suffixed result endpoint with the card
	// payload AES-encrypted under the shop key.
	assert.Equal(t, "/produce/result", cbPath)
	assert.Equal(t, "1", cbForm.Get("produceStatus"))
	plain, err := sign.AESDecrypt(cbForm.Get("product"), aesKey32)
	require.NoError(t, err)
	assert.Contains(t, plain, `"cardNumber":"N1"`)
	assert.Contains(t, plain, `"password":"P1"`)
	assert.Contains(t, plain, `"expiryDate":"2099-12-31"`)

	events, err := d.ListOrderEvents(order.ID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	assert.Equal(t, []string{
		database.EventOrderCreated,
		database.EventCard91Fetch,
		database.EventCard91Deliver,
	}, types)
}

func TestGeneralInventoryShortfall(t *testing.T) {
	inventory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"cards":[{"card_no":"N1","card_pwd":"P1"}]}}`)
	}))
	defer inventory.Close()

	var callbackHit bool
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callbackHit = true
		fmt.Fprint(w, `{"code":"0"}`)
	}))
	defer platform.Close()

	s, d := newTestServer(t)
	shop := seedGeneralShop(t, d, platform.URL, inventory.URL)
	require.NoError(t, d.SaveProduct(&database.Product{
		ShopID: shop.ID, SkuID: "SKU1", DeliverType: database.DeliverTypeAutoCard,
		Card91CardTypeID: "CT1", IsEnabled: 1,
	}))

	reply := decodeReply(t, postForm(t, s, "/api/general/distill", distillForm(map[string]string{
		"vendorId":  "V1",
		"jdOrderNo": "J2",
		"bizType":   "2",
		"quantity":  "2",
		"wareNo":    "SKU1",
	}, "GK")))
	assert.Equal(t, "JDO_201", reply["code"], "shortfall is not surfaced to the push reply")

	order, err := d.FindOrder("J2", shop.ID)
	require.NoError(t, err)
	assert.Equal(t, database.OrderStatusPending, order.OrderStatus)
	assert.Empty(t, order.CardInfo)
	assert.False(t, callbackHit)

	events, _ := d.ListOrderEvents(order.ID)
	require.Len(t, events, 2)
	assert.Equal(t, database.EventCard91Fetch, events[1].EventType)
	assert.Equal(t, database.ResultFailed, events[1].Result)
}

func TestGeneralSignFailure(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGeneralShop(t, d, "", "")

	form := distillForm(map[string]string{
		"vendorId":  "V1",
		"jdOrderNo": "J3",
		"bizType":   "1",
	}, "wrong-secret")

	rec := postForm(t, s, "/api/general/distill", form)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	reply := decodeReply(t, rec)
	assert.Equal(t, "JDO_304", reply["code"])
	assert.EqualValues(t, 2, reply["produceStatus"])

	_, err := d.FindOrder("J3", shop.ID)
	assert.Error(t, err)
}

func TestGeneralDuplicateDistill(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGeneralShop(t, d, "", "")

	form := distillForm(map[string]string{
		"vendorId":   "V1",
		"jdOrderNo":  "J4",
		"bizType":    "1",
		"totalPrice": "300",
		"quantity":   "1",
	}, "GK")

	first := decodeReply(t, postForm(t, s, "/api/general/distill", form))
	second := decodeReply(t, postForm(t, s, "/api/general/distill", form))

	assert.Equal(t, "JDO_201", first["code"])
	assert.Equal(t, "JDO_201", second["code"])
	assert.Equal(t, first["agentOrderNo"], second["agentOrderNo"],
		"duplicate returns the original order_no")

	order, err := d.FindOrder("J4", shop.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), order.Amount, "general totalPrice is already fen")
}

func TestGeneralQueryStatusMapping(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGeneralShop(t, d, "", "")

	order, _, err := d.InsertOrderIfAbsent(&database.Order{
		JDOrderNo: "J5", ShopID: shop.ID,
		ShopType: database.ShopTypeGeneral, OrderType: database.OrderTypeCard, Quantity: 1,
	})
	require.NoError(t, err)

	query := distillForm(map[string]string{"vendorId": "V1", "jdOrderNo": "J5"}, "GK")

	reply := decodeReply(t, postForm(t, s, "/api/general/query", query))
	assert.EqualValues(t, 3, reply["produceStatus"])
	assert.Equal(t, "JDO_201", reply["code"])

	require.NoError(t, d.SetCardInfo(order, []database.Card{{CardNo: "N1", CardPwd: "P1"}}))
	require.NoError(t, d.ForceStatus(order, database.OrderStatusDone))

	reply = decodeReply(t, postForm(t, s, "/api/general/query", query))
	assert.EqualValues(t, 1, reply["produceStatus"])
	assert.Equal(t, "JDO_200", reply["code"])

	plain, err := sign.AESDecrypt(reply["product"].(string), aesKey32)
	require.NoError(t, err)
	assert.Contains(t, plain, `"cardNumber":"N1"`)

	require.NoError(t, d.ForceStatus(order, database.OrderStatusRefunded))
	reply = decodeReply(t, postForm(t, s, "/api/general/query", query))
	assert.EqualValues(t, 2, reply["produceStatus"])
	assert.Equal(t, "JDO_302", reply["code"])
}

func TestGeneralQueryUnknownOrder(t *testing.T) {
	s, d := newTestServer(t)
	seedGeneralShop(t, d, "", "")

	reply := decodeReply(t, postForm(t, s, "/api/general/query",
		distillForm(map[string]string{"vendorId": "V1", "jdOrderNo": "NOPE"}, "GK")))
	assert.EqualValues(t, 2, reply["produceStatus"])
	assert.Equal(t, "JDO_302", reply["code"])
}

func TestGeneralVenderIdAlias(t *testing.T) {
	s, d := newTestServer(t)
	shop := seedGeneralShop(t, d, "", "")

	form := distillForm(map[string]string{
		"venderId":  "V1",
		"jdOrderNo": "J6",
		"bizType":   "1",
	}, "GK")

	reply := decodeReply(t, postForm(t, s, "/api/general/distill", form))
	assert.Equal(t, "JDO_201", reply["code"])

	_, err := d.FindOrder("J6", shop.ID)
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", strings.NewReader(""))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
