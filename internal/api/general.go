package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/callback"
	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/sign"
)

// General channel protocol codes.
const (
	codeProduceOK   = "JDO_200"
	codeAccepted    = "JDO_201"
	codeProduceFail = "JDO_302"
	codeSignFail    = "JDO_304"
)

// generalReply writes the channel's flat JSON envelope, signed with the
// shop's secret when one is configured.
func (s *Server) generalReply(w http.ResponseWriter, status int, shop *database.Shop,
	jdOrderNo, agentOrderNo string, produceStatus int, code, product string) {

	fields := map[string]string{
		"jdOrderNo":     jdOrderNo,
		"agentOrderNo":  agentOrderNo,
		"produceStatus": strconv.Itoa(produceStatus),
		"code":          code,
		"signType":      "MD5",
		"timestamp":     time.Now().Format("20060102150405"),
	}
	if product != "" {
		fields["product"] = product
	}

	reply := map[string]any{
		"jdOrderNo":     jdOrderNo,
		"agentOrderNo":  agentOrderNo,
		"produceStatus": produceStatus,
		"code":          code,
		"signType":      "MD5",
		"timestamp":     fields["timestamp"],
	}
	if product != "" {
		reply["product"] = product
	}
	if shop != nil && shop.GeneralMD5Secret != "" {
		reply["sign"] = sign.GeneralSign(fields, shop.GeneralMD5Secret)
	}
	writeJSON(w, status, reply)
}

func formAlias(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := params[k]; v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleGeneralDistill(w http.ResponseWriter, r *http.Request) {
	params := formParams(r)

	vendorID := formAlias(params, "vendorId", "venderId", "vendor_id")
	jdOrderNo := formAlias(params, "jdOrderNo", "jdOrderId", "orderId")

	shop, err := s.db.ResolveShopGeneral(vendorID, "")
	if err != nil {
		s.generalReply(w, http.StatusForbidden, nil, jdOrderNo, "", 2, codeSignFail, "")
		return
	}
	if shop.GeneralMD5Secret != "" && !sign.VerifyGeneralSign(params, shop.GeneralMD5Secret) {
		s.generalReply(w, http.StatusForbidden, shop, jdOrderNo, "", 2, codeSignFail, "")
		return
	}
	if shop.Expired(time.Now()) {
		s.generalReply(w, http.StatusForbidden, shop, jdOrderNo, "", 2, codeSignFail, "")
		return
	}
	if jdOrderNo == "" {
		s.generalReply(w, http.StatusOK, shop, "", "", 2, codeProduceFail, "")
		return
	}

	orderType := database.OrderTypeDirect
	if formAlias(params, "bizType", "biz_type") == "2" {
		orderType = database.OrderTypeCard
	}

	// totalPrice is already integer fen on this channel.
	amount := int64(0)
	if raw := params["totalPrice"]; raw != "" {
		amount, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || amount < 0 {
			s.generalReply(w, http.StatusOK, shop, jdOrderNo, "", 2, codeProduceFail, "")
			return
		}
	}
	quantity := 1
	if raw := params["quantity"]; raw != "" {
		quantity, err = strconv.Atoi(raw)
		if err != nil || quantity < 0 {
			s.generalReply(w, http.StatusOK, shop, jdOrderNo, "", 2, codeProduceFail, "")
			return
		}
	}

	order, created, err := s.db.InsertOrderIfAbsent(&database.Order{
		JDOrderNo:      jdOrderNo,
		ShopID:         shop.ID,
		ShopType:       database.ShopTypeGeneral,
		OrderType:      orderType,
		Amount:         amount,
		Quantity:       quantity,
		ProduceAccount: params["produceAccount"],
		SkuID:          formAlias(params, "wareNo", "skuId"),
		ProductInfo:    formAlias(params, "wareName", "productName"),
		NotifyURL:      formAlias(params, "notifyUrl", "notifyURL"),
	})
	if err != nil {
		log.Error().Err(err).Str("jd_order_no", jdOrderNo).Msg("General order insert failed")
		s.generalReply(w, http.StatusOK, shop, jdOrderNo, "", 2, codeProduceFail, "")
		return
	}
	if !created {
		s.generalReply(w, http.StatusOK, shop, jdOrderNo, order.OrderNo, 3, codeAccepted, "")
		return
	}

	s.db.AppendEvent(order.ID, order.OrderNo, database.EventOrderCreated,
		"接收通用渠道订单", map[string]any{
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

	s.generalReply(w, http.StatusOK, shop, jdOrderNo, order.OrderNo, 3, codeAccepted, "")
}

// generalStatus maps internal status to (produceStatus, code).
func generalStatus(st database.OrderStatus) (int, string) {
	switch st {
	case database.OrderStatusPending, database.OrderStatusProcessing:
		return 3, codeAccepted
	case database.OrderStatusDone:
		return 1, codeProduceOK
	default:
		return 2, codeProduceFail
	}
}

func (s *Server) handleGeneralQuery(w http.ResponseWriter, r *http.Request) {
	params := formParams(r)

	vendorID := formAlias(params, "vendorId", "venderId", "vendor_id")
	jdOrderNo := formAlias(params, "jdOrderNo", "jdOrderId", "orderId")

	shop, err := s.db.ResolveShopGeneral(vendorID, "")
	if err != nil {
		s.generalReply(w, http.StatusForbidden, nil, jdOrderNo, "", 2, codeSignFail, "")
		return
	}
	if shop.GeneralMD5Secret != "" && !sign.VerifyGeneralSign(params, shop.GeneralMD5Secret) {
		s.generalReply(w, http.StatusForbidden, shop, jdOrderNo, "", 2, codeSignFail, "")
		return
	}

	order, err := s.db.FindOrder(jdOrderNo, shop.ID)
	if err != nil {
		s.generalReply(w, http.StatusOK, shop, jdOrderNo, "", 2, codeProduceFail, "")
		return
	}

	produceStatus, code := generalStatus(order.OrderStatus)

	product := ""
	if order.OrderStatus == database.OrderStatusDone && order.OrderType == database.OrderTypeCard {
		productJSON := callback.ProductJSON(order.Cards())
		if shop.GeneralAESSecret != "" {
			enc, err := sign.AESEncrypt(productJSON, shop.GeneralAESSecret)
			if err != nil {
				log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("Product encrypt failed")
			} else {
				product = enc
			}
		} else {
			product = productJSON
		}
	}

	s.generalReply(w, http.StatusOK, shop, jdOrderNo, order.OrderNo, produceStatus, code, product)
}
