// Package engine drives order fulfillment: automatic card delivery from
// the inventory backends and the operator-triggered manual paths. Every
// path persists its result before reporting back to the platform, so a
// crash between the two leaves the order recoverable instead of lost.
package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/agiso"
	"github.com/web3guy0/jdbridge/internal/callback"
	"github.com/web3guy0/jdbridge/internal/card91"
	"github.com/web3guy0/jdbridge/internal/database"
)

// platformCallbacks is the slice of the callback client the engine uses.
type platformCallbacks interface {
	GameDirectSuccess(*database.Shop, *database.Order) (bool, string)
	GameCardDeliver(*database.Shop, *database.Order, []database.Card) (bool, string)
	GameRefund(*database.Shop, *database.Order) (bool, string)
	GeneralSuccess(*database.Shop, *database.Order) (bool, string)
	GeneralCardDeliver(*database.Shop, *database.Order, []database.Card) (bool, string)
	GeneralRefund(*database.Shop, *database.Order) (bool, string)
}

// cardSource draws card codes from an inventory backend.
type cardSource interface {
	FetchCards(cardTypeID string, quantity int, orderNo string) ([]database.Card, error)
}

// agisoSender delegates delivery to the Agiso platform.
type agisoSender interface {
	RechargeSend(tid string) error
	CardSend(tid string, cards []database.Card) error
	VtpSend(tid string) error
	VtpRefund(tid string) error
}

type Engine struct {
	db *database.Database
	cb platformCallbacks

	newCardSource func(*database.Shop) cardSource
	newAgiso      func(*database.Shop) agisoSender
}

func New(db *database.Database) *Engine {
	return &Engine{
		db: db,
		cb: callback.NewClient(),
		newCardSource: func(shop *database.Shop) cardSource {
			return card91.NewClient(shop)
		},
		newAgiso: func(shop *database.Shop) agisoSender {
			return agiso.NewClient(shop)
		},
	}
}

// deliverCards reports delivered card codes over the shop's platform
// channel.
func (e *Engine) deliverCards(shop *database.Shop, order *database.Order, cards []database.Card) (bool, string) {
	if order.ShopType == database.ShopTypeGeneral {
		return e.cb.GeneralCardDeliver(shop, order, cards)
	}
	return e.cb.GameCardDeliver(shop, order, cards)
}

func (e *Engine) deliverSuccess(shop *database.Shop, order *database.Order) (bool, string) {
	if order.ShopType == database.ShopTypeGeneral {
		return e.cb.GeneralSuccess(shop, order)
	}
	return e.cb.GameDirectSuccess(shop, order)
}

func (e *Engine) deliverRefund(shop *database.Shop, order *database.Order) (bool, string) {
	if order.ShopType == database.ShopTypeGeneral {
		return e.cb.GeneralRefund(shop, order)
	}
	return e.cb.GameRefund(shop, order)
}

// recordNotify persists the platform callback outcome on the order.
func (e *Engine) recordNotify(order *database.Order, ok bool) {
	st := database.NotifyStatusOK
	if !ok {
		st = database.NotifyStatusFail
	}
	if err := e.db.SetNotifyStatus(order, st); err != nil {
		log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("Notify status update failed")
	}
}

// AutoCardFulfill attempts automatic fulfillment for a freshly ingested
// order. It is a no-op when the order is already done, when no enabled
// auto-card product matches the SKU, or when the shop has no inventory
// backend; in those cases the order is left pending for manual handling.
// Returns whether the order was fulfilled.
func (e *Engine) AutoCardFulfill(order *database.Order, shop *database.Shop) (bool, error) {
	if order.OrderStatus == database.OrderStatusDone {
		return true, nil
	}

	product, err := e.db.MatchAutoProduct(shop.ID, order.SkuID)
	if err != nil {
		log.Debug().Str("order_no", order.OrderNo).Str("sku_id", order.SkuID).
			Msg("No auto-card product matched, awaiting manual handling")
		return false, nil
	}

	dialect := shop.InventoryDialect()
	if dialect == database.InventoryNone {
		log.Warn().Str("order_no", order.OrderNo).Uint("shop_id", shop.ID).
			Msg("Auto-card product matched but shop has no inventory backend")
		return false, nil
	}

	if err := e.db.Transition(order, database.OrderStatusProcessing, database.OrderStatusPending); err != nil {
		// Another worker picked it up, or the order already moved on.
		return false, nil
	}

	switch dialect {
	case database.InventoryAgiso:
		return e.fulfillAgiso(order, shop)
	default:
		return e.fulfillCard91(order, shop, product)
	}
}

// fulfillCard91 draws cards from the 91 inventory and delivers them over
// the platform callback. Cards are persisted before the callback fires.
func (e *Engine) fulfillCard91(order *database.Order, shop *database.Shop, product *database.Product) (bool, error) {
	src := e.newCardSource(shop)
	cards, err := src.FetchCards(product.Card91CardTypeID, order.Quantity, order.OrderNo)
	if err != nil {
		e.db.AppendEvent(order.ID, order.OrderNo, database.EventCard91Fetch,
			"自动提卡失败: "+err.Error(), nil, "", database.ResultFailed)
		// Back to pending so an operator or retry can pick it up.
		if terr := e.db.Transition(order, database.OrderStatusPending, database.OrderStatusProcessing); terr != nil {
			log.Warn().Err(terr).Str("order_no", order.OrderNo).Msg("Revert to pending failed")
		}
		return false, fmt.Errorf("fetch cards: %w", err)
	}
	e.db.AppendEvent(order.ID, order.OrderNo, database.EventCard91Fetch,
		fmt.Sprintf("自动提卡成功，共%d张", len(cards)),
		map[string]any{"count": len(cards)}, "", database.ResultSuccess)

	if err := e.db.SetCardInfo(order, cards); err != nil {
		return false, fmt.Errorf("store cards: %w", err)
	}

	ok, msg := e.deliverCards(shop, order, cards)
	e.recordNotify(order, ok)
	result := database.ResultSuccess
	if !ok {
		result = database.ResultFailed
	}
	e.db.AppendEvent(order.ID, order.OrderNo, database.EventCard91Deliver,
		msg, nil, "", result)
	if !ok {
		// Cards are stored; the order stays processing for a resend.
		return false, fmt.Errorf("deliver callback: %s", msg)
	}

	if err := e.db.Transition(order, database.OrderStatusDone, database.OrderStatusProcessing); err != nil {
		return false, err
	}
	log.Info().Str("order_no", order.OrderNo).Int("cards", len(cards)).
		Msg("Order auto-fulfilled from 91 inventory")
	return true, nil
}

// fulfillAgiso hands the order to the Agiso platform. Card orders are
// delivered only when their card codes are already stored: a DONE card
// order must always carry its codes, so an order without them stays
// pending for manual handling.
func (e *Engine) fulfillAgiso(order *database.Order, shop *database.Shop) (bool, error) {
	cards := order.Cards()
	if order.OrderType == database.OrderTypeCard && len(cards) == 0 {
		e.db.AppendEvent(order.ID, order.OrderNo, database.EventDirectCharge,
			"阿奇索卡密发货需要已有卡密数据，转人工处理", nil, "", database.ResultInfo)
		if terr := e.db.Transition(order, database.OrderStatusPending, database.OrderStatusProcessing); terr != nil {
			log.Warn().Err(terr).Str("order_no", order.OrderNo).Msg("Revert to pending failed")
		}
		return false, nil
	}

	sender := e.newAgiso(shop)
	var err error
	switch {
	case order.ShopType == database.ShopTypeGeneral:
		err = sender.VtpSend(order.JDOrderNo)
	case order.OrderType == database.OrderTypeCard:
		err = sender.CardSend(order.JDOrderNo, cards)
	default:
		err = sender.RechargeSend(order.JDOrderNo)
	}
	if err != nil {
		e.db.AppendEvent(order.ID, order.OrderNo, database.EventDirectCharge,
			"阿奇索发货失败: "+err.Error(), nil, "", database.ResultFailed)
		if terr := e.db.Transition(order, database.OrderStatusPending, database.OrderStatusProcessing); terr != nil {
			log.Warn().Err(terr).Str("order_no", order.OrderNo).Msg("Revert to pending failed")
		}
		return false, fmt.Errorf("agiso send: %w", err)
	}
	e.db.AppendEvent(order.ID, order.OrderNo, database.EventDirectCharge,
		"阿奇索发货成功", nil, "", database.ResultSuccess)

	if err := e.db.Transition(order, database.OrderStatusDone, database.OrderStatusProcessing); err != nil {
		return false, err
	}
	log.Info().Str("order_no", order.OrderNo).Msg("Order handed to Agiso for delivery")
	return true, nil
}

// ManualDirectSuccess marks a direct top-up as completed and reports it
// upstream.
func (e *Engine) ManualDirectSuccess(order *database.Order, shop *database.Shop, operator string) error {
	if err := e.db.Transition(order, database.OrderStatusProcessing,
		database.OrderStatusPending, database.OrderStatusProcessing); err != nil {
		return err
	}

	ok, msg := e.deliverSuccess(shop, order)
	e.recordNotify(order, ok)
	result := database.ResultSuccess
	if !ok {
		result = database.ResultFailed
	}
	e.db.AppendEvent(order.ID, order.OrderNo, database.EventDirectCharge,
		msg, nil, operator, result)
	if !ok {
		return fmt.Errorf("callback: %s", msg)
	}
	return e.db.Transition(order, database.OrderStatusDone, database.OrderStatusProcessing)
}

// ManualCardDeliver stores operator-supplied card codes and reports them
// upstream. The card count must match the order quantity exactly.
func (e *Engine) ManualCardDeliver(order *database.Order, shop *database.Shop, cards []database.Card, operator string) error {
	if len(cards) != order.Quantity {
		return fmt.Errorf("卡密数量与订单数量不符，需要%d张，提供%d张", order.Quantity, len(cards))
	}
	for _, c := range cards {
		if c.CardNo == "" {
			return fmt.Errorf("卡号不能为空")
		}
	}

	if err := e.db.Transition(order, database.OrderStatusProcessing,
		database.OrderStatusPending, database.OrderStatusProcessing); err != nil {
		return err
	}
	if err := e.db.SetCardInfo(order, cards); err != nil {
		return fmt.Errorf("store cards: %w", err)
	}

	ok, msg := e.deliverCards(shop, order, cards)
	e.recordNotify(order, ok)
	result := database.ResultSuccess
	if !ok {
		result = database.ResultFailed
	}
	e.db.AppendEvent(order.ID, order.OrderNo, database.EventManualDeliver,
		msg, map[string]any{"count": len(cards)}, operator, result)
	if !ok {
		return fmt.Errorf("callback: %s", msg)
	}
	return e.db.Transition(order, database.OrderStatusDone, database.OrderStatusProcessing)
}

// ManualRefund reports fulfillment failure upstream, triggering a platform
// refund, and moves the order to refunded. General orders delivered over
// Agiso are refunded on the Agiso side first.
func (e *Engine) ManualRefund(order *database.Order, shop *database.Shop, operator string) error {
	if shop.ShopType == database.ShopTypeGeneral && shop.InventoryDialect() == database.InventoryAgiso {
		if err := e.newAgiso(shop).VtpRefund(order.JDOrderNo); err != nil {
			e.db.AppendEvent(order.ID, order.OrderNo, database.EventNotifyRefund,
				"阿奇索退款失败: "+err.Error(), nil, operator, database.ResultFailed)
			return fmt.Errorf("agiso refund: %w", err)
		}
		e.db.AppendEvent(order.ID, order.OrderNo, database.EventNotifyRefund,
			"阿奇索退款成功", nil, operator, database.ResultSuccess)
	}

	ok, msg := e.deliverRefund(shop, order)
	e.recordNotify(order, ok)
	result := database.ResultSuccess
	if !ok {
		result = database.ResultFailed
	}
	e.db.AppendEvent(order.ID, order.OrderNo, database.EventNotifyRefund,
		msg, nil, operator, result)
	if !ok {
		return fmt.Errorf("callback: %s", msg)
	}
	return e.db.Transition(order, database.OrderStatusRefunded,
		database.OrderStatusPending, database.OrderStatusProcessing, database.OrderStatusDone)
}

// DebugSetStatus force-sets the order status with no guard and records who
// did it. Operator tooling only.
func (e *Engine) DebugSetStatus(order *database.Order, to database.OrderStatus, operator string) error {
	from := order.OrderStatus
	if err := e.db.ForceStatus(order, to); err != nil {
		return err
	}
	e.db.AppendEvent(order.ID, order.OrderNo, database.EventStatusChanged,
		fmt.Sprintf("状态强制调整: %d -> %d", int(from), int(to)),
		nil, operator, database.ResultInfo)
	return nil
}
