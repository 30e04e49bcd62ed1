package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/sign"
)

// gameReply is the game channel's fixed JSON envelope. retCode "100" is
// success, "200" is every kind of failure.
func gameReply(w http.ResponseWriter, retCode, retMessage string) {
	writeJSON(w, http.StatusOK, map[string]string{
		"retCode":    retCode,
		"retMessage": retMessage,
	})
}

func gameDataReply(w http.ResponseWriter, retMessage string, dataObj map[string]any) {
	encoded, err := sign.EncodeData(dataObj)
	if err != nil {
		gameReply(w, "200", "响应编码失败")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"retCode":    "100",
		"retMessage": retMessage,
		"data":       encoded,
	})
}

// formParams flattens the parsed form into the flat map the signers take.
func formParams(r *http.Request) map[string]string {
	_ = r.ParseForm()
	params := make(map[string]string, len(r.Form))
	for k, v := range r.Form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

// bizString reads a field out of the decoded business object, accepting
// the listed aliases in order.
func bizString(m map[string]any, keys ...string) string {
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

// resolveGameShop maps customerId to a shop. Pushes that omit the id fall
// back to the first enabled game shop; kept for legacy clients and always
// logged.
func (s *Server) resolveGameShop(customerID string) *database.Shop {
	shop, err := s.db.ResolveShopGame(customerID, "")
	if err == nil {
		return shop
	}
	shop, err = s.db.FirstEnabledGameShop()
	if err != nil {
		return nil
	}
	log.Warn().Str("customer_id", customerID).Uint("shop_id", shop.ID).
		Msg("Game push without matching customerId, using first enabled game shop")
	return shop
}

func (s *Server) handleGameDirect(w http.ResponseWriter, r *http.Request) {
	s.gameIngest(w, r, database.OrderTypeDirect)
}

func (s *Server) handleGameCard(w http.ResponseWriter, r *http.Request) {
	s.gameIngest(w, r, database.OrderTypeCard)
}

func (s *Server) gameIngest(w http.ResponseWriter, r *http.Request, orderType database.OrderType) {
	params := formParams(r)

	shop := s.resolveGameShop(params["customerId"])
	if shop == nil {
		gameReply(w, "200", "商户不存在")
		return
	}
	if shop.GameMD5Secret != "" && !sign.VerifyGameSign(params, shop.GameMD5Secret) {
		gameReply(w, "200", "签名验证失败")
		return
	}
	if shop.Expired(time.Now()) {
		gameReply(w, "200", "店铺已过期")
		return
	}

	biz, err := sign.DecodeData(params["data"])
	if err != nil {
		gameReply(w, "200", "数据解析失败")
		return
	}

	jdOrderNo := bizString(biz, "orderId", "jdOrderId", "jdOrderNo")
	if jdOrderNo == "" {
		gameReply(w, "200", "缺少订单号")
		return
	}

	// totalPrice arrives in currency units; stored amount is integer fen.
	amount := int64(0)
	if raw := bizString(biz, "totalPrice"); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil || price.IsNegative() {
			gameReply(w, "200", "金额格式错误")
			return
		}
		amount = price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	}

	quantity := 1
	if raw := bizString(biz, "buyNum", "quantity"); raw != "" {
		quantity, err = strconv.Atoi(raw)
		if err != nil || quantity < 0 {
			gameReply(w, "200", "数量格式错误")
			return
		}
	}

	order, created, err := s.db.InsertOrderIfAbsent(&database.Order{
		JDOrderNo:      jdOrderNo,
		ShopID:         shop.ID,
		ShopType:       database.ShopTypeGame,
		OrderType:      orderType,
		Amount:         amount,
		Quantity:       quantity,
		ProduceAccount: bizString(biz, "gameAccount", "chargeAccount", "phoneNum"),
		SkuID:          bizString(biz, "skuId", "sku_id", "wareNo"),
		ProductInfo:    bizString(biz, "productName", "skuName"),
	})
	if err != nil {
		log.Error().Err(err).Str("jd_order_no", jdOrderNo).Msg("Game order insert failed")
		gameReply(w, "200", "订单保存失败")
		return
	}
	if !created {
		gameReply(w, "100", "订单已存在")
		return
	}

	s.db.AppendEvent(order.ID, order.OrderNo, database.EventOrderCreated,
		"接收游戏点卡订单", map[string]any{
			"jd_order_no": jdOrderNo,
			"amount":      amount,
			"quantity":    quantity,
		}, "", database.ResultSuccess)

	if orderType == database.OrderTypeCard {
		if _, err := s.engine.AutoCardFulfill(order, shop); err != nil {
			log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("Auto fulfill failed")
		}
	}
	if s.notifier != nil {
		s.notifier.Enqueue(order, shop)
	}

	gameReply(w, "100", "接收成功")
}

// Game query status mappings: the two poll endpoints expose inverted
// success codes.
func gameDirectStatus(st database.OrderStatus) int {
	switch st {
	case database.OrderStatusPending, database.OrderStatusProcessing:
		return 0
	case database.OrderStatusDone:
		return 1
	default:
		return 2
	}
}

func gameCardStatus(st database.OrderStatus) int {
	switch st {
	case database.OrderStatusPending, database.OrderStatusProcessing:
		return 1
	case database.OrderStatusDone:
		return 0
	default:
		return 2
	}
}

func (s *Server) handleGameQuery(w http.ResponseWriter, r *http.Request) {
	s.gameQuery(w, r, false)
}

func (s *Server) handleGameCardQuery(w http.ResponseWriter, r *http.Request) {
	s.gameQuery(w, r, true)
}

func (s *Server) gameQuery(w http.ResponseWriter, r *http.Request, cardMode bool) {
	params := formParams(r)

	shop := s.resolveGameShop(params["customerId"])
	if shop == nil {
		gameReply(w, "200", "商户不存在")
		return
	}
	if shop.GameMD5Secret != "" && !sign.VerifyGameSign(params, shop.GameMD5Secret) {
		gameReply(w, "200", "签名验证失败")
		return
	}

	biz, err := sign.DecodeData(params["data"])
	if err != nil {
		gameReply(w, "200", "数据解析失败")
		return
	}
	jdOrderNo := bizString(biz, "orderId", "jdOrderId", "jdOrderNo")
	if jdOrderNo == "" {
		gameReply(w, "200", "缺少订单号")
		return
	}

	order, err := s.db.FindOrder(jdOrderNo, shop.ID)
	if err != nil {
		// Legacy pollers query without a usable tenant key.
		order, err = s.db.FindOrderAnyShop(jdOrderNo)
	}
	if err != nil {
		gameReply(w, "200", "订单不存在")
		return
	}

	// The poller keys the reply to its own request, so the business object
	// carries the status alone.
	if cardMode {
		reply := map[string]any{
			"orderStatus": gameCardStatus(order.OrderStatus),
		}
		if order.OrderStatus == database.OrderStatusDone {
			infos := make([]map[string]string, 0)
			for _, c := range order.Cards() {
				infos = append(infos, map[string]string{
					"cardNo":   c.CardNo,
					"cardPass": c.CardPwd,
				})
			}
			reply["cardInfos"] = infos
		}
		gameDataReply(w, "查询成功", reply)
		return
	}

	gameDataReply(w, "查询成功", map[string]any{
		"orderStatus": gameDirectStatus(order.OrderStatus),
	})
}
