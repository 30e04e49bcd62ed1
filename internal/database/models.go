package database

import (
	"encoding/json"
	"time"
)

// Closed sets stored as small integers. Protocol-visible values are mapped
// by name in the API layer.

type ShopType int

const (
	ShopTypeGame    ShopType = 1
	ShopTypeGeneral ShopType = 2
)

type OrderType int

const (
	OrderTypeDirect OrderType = 1
	OrderTypeCard   OrderType = 2
)

type OrderStatus int

const (
	OrderStatusPending    OrderStatus = 0
	OrderStatusProcessing OrderStatus = 1
	OrderStatusDone       OrderStatus = 2
	OrderStatusCancelled  OrderStatus = 3
	OrderStatusRefunded   OrderStatus = 4
	OrderStatusError      OrderStatus = 5
)

type DeliverType int

const (
	DeliverTypeManual   DeliverType = 0
	DeliverTypeAutoCard DeliverType = 1
	DeliverTypeDirect   DeliverType = 2 // reserved
)

type NotifyStatus int

const (
	NotifyStatusNone NotifyStatus = 0
	NotifyStatusOK   NotifyStatus = 1
	NotifyStatusFail NotifyStatus = 2
)

// InventoryDialect selects the signed RPC flavor for a shop's card
// inventory backend. Derived explicitly from which credentials are set.
type InventoryDialect int

const (
	InventoryNone   InventoryDialect = 0
	InventoryCard91 InventoryDialect = 1
	InventoryAgiso  InventoryDialect = 2
)

// Shop is a tenant: a seller account with its own platform credentials,
// callback endpoints and notification webhooks.
type Shop struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	ShopCode string `gorm:"size:50;uniqueIndex"`
	ShopName string `gorm:"size:100"`
	ShopType ShopType

	// Game-card platform credentials
	GameCustomerID        string `gorm:"size:50;index"`
	GameMD5Secret         string `gorm:"size:100"`
	GameAPIURL            string `gorm:"size:200"`
	GameDirectCallbackURL string `gorm:"size:200"`
	GameCardCallbackURL   string `gorm:"size:200"`

	// General-trading platform credentials
	GeneralVendorID    string `gorm:"size:50;index"`
	GeneralMD5Secret   string `gorm:"size:100"`
	GeneralAESSecret   string `gorm:"size:100"`
	GeneralCallbackURL string `gorm:"size:200"`

	// 91 card inventory (dialect B)
	Card91APIURL    string `gorm:"size:200"`
	Card91APIKey    string `gorm:"size:100"`
	Card91APISecret string `gorm:"size:100"`

	// Agiso open platform (dialect A)
	AgisoEnabled     int    `gorm:"default:0"`
	AgisoAppID       string `gorm:"size:50"`
	AgisoAppSecret   string `gorm:"size:100"`
	AgisoAccessToken string `gorm:"size:200"`
	AgisoHost        string `gorm:"size:100"`
	AgisoPort        string `gorm:"size:10"`

	// Human notification channels
	NotifyEnabled   int    `gorm:"default:0"`
	DingtalkWebhook string `gorm:"size:300"`
	DingtalkSecret  string `gorm:"size:100"`
	WecomWebhook    string `gorm:"size:300"`
	TelegramChatID  int64  `gorm:"default:0"`

	// No default tag: gorm omits zero-valued fields on insert when one is
	// set, silently turning a disabled row into an enabled one.
	IsEnabled  int `gorm:"index"`
	ExpireTime *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the shop's subscription is past its expiry.
func (s *Shop) Expired(now time.Time) bool {
	return s.ExpireTime != nil && s.ExpireTime.Before(now)
}

// InventoryDialect returns the card inventory backend for this shop.
// Card91 credentials take precedence; Agiso requires the integration to
// be enabled and authorized.
func (s *Shop) InventoryDialect() InventoryDialect {
	if s.Card91APIKey != "" {
		return InventoryCard91
	}
	if s.AgisoEnabled == 1 && s.AgisoAccessToken != "" {
		return InventoryAgiso
	}
	return InventoryNone
}

// Product binds a shop SKU to a fulfillment configuration. Orders whose
// SKU matches an enabled product with DeliverTypeAutoCard are fulfilled
// automatically from the card inventory.
type Product struct {
	ID     uint `gorm:"primaryKey;autoIncrement"`
	ShopID uint `gorm:"index:idx_shop_sku"`

	ProductName string `gorm:"size:200"`
	JDProductID string `gorm:"size:100"`
	SkuID       string `gorm:"size:100;index:idx_shop_sku"`
	SkuName     string `gorm:"size:200"`

	DeliverType DeliverType `gorm:"default:0"`

	Card91CardTypeID   string `gorm:"size:100"`
	Card91CardTypeName string `gorm:"size:200"`
	Card91PlanID       string `gorm:"size:100"`

	IsEnabled int    // see Shop.IsEnabled on why there is no default tag
	Remark    string `gorm:"size:500"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Card is the canonical internal card-code shape. Inbound JSON from the
// inventory backends and stored card_info use aliased field names; the
// custom unmarshaller folds them into this one form.
type Card struct {
	CardNo  string `json:"cardNo"`
	CardPwd string `json:"cardPwd"`
	Expiry  string `json:"expiry,omitempty"`
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case string:
				if t != "" {
					return t
				}
			case float64:
				return jsonNumber(t)
			}
		}
	}
	return ""
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// UnmarshalJSON accepts the field aliases used across the platforms:
// cardNo/card_no/number, cardPwd/cardPass/card_pwd/password,
// expiry/expire/expiryDate.
func (c *Card) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.CardNo = firstString(m, "cardNo", "card_no", "cardno", "number", "cardNumber")
	c.CardPwd = firstString(m, "cardPwd", "cardPass", "card_pwd", "cardpass", "password")
	c.Expiry = firstString(m, "expiry", "expire", "expiryDate")
	return nil
}

// Order is one upstream order. (jd_order_no, shop_id) is the idempotency
// key for ingestion; order_no is the internal globally unique id.
type Order struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OrderNo   string `gorm:"size:64;uniqueIndex"`
	JDOrderNo string `gorm:"size:50;uniqueIndex:idx_jd_shop"`
	ShopID    uint   `gorm:"uniqueIndex:idx_jd_shop"`

	ShopType    ShopType
	OrderType   OrderType
	OrderStatus OrderStatus `gorm:"default:0;index"`

	Amount         int64 `gorm:"default:0"` // integer fen
	Quantity       int
	ProduceAccount string `gorm:"size:100"`
	SkuID          string `gorm:"size:100"`
	ProductInfo    string `gorm:"size:500"`

	CardInfo  string `gorm:"type:text"` // JSON array, empty until delivered
	NotifyURL string `gorm:"size:200"`

	NotifyStatus NotifyStatus `gorm:"default:0"`
	Notified     int          `gorm:"default:0"`

	PayTime     *time.Time
	DeliverTime *time.Time
	NotifyTime  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cards parses the stored card_info JSON. Returns nil when no cards have
// been delivered yet.
func (o *Order) Cards() []Card {
	if o.CardInfo == "" {
		return nil
	}
	var cards []Card
	if err := json.Unmarshal([]byte(o.CardInfo), &cards); err != nil {
		return nil
	}
	return cards
}

// Order event types and results.
const (
	EventOrderCreated     = "order_created"
	EventStatusChanged    = "status_changed"
	EventCard91Fetch      = "card91_fetch"
	EventCard91Deliver    = "card91_deliver"
	EventManualDeliver    = "manual_deliver"
	EventDirectCharge     = "direct_charge"
	EventNotifyRefund     = "notify_refund"
	EventCallbackReceived = "callback_received"
	EventError            = "error"

	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultInfo    = "info"
)

// OrderEvent is an append-only audit record. Never mutated or deleted.
type OrderEvent struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	OrderID uint   `gorm:"index;not null"`
	OrderNo string `gorm:"size:64"`

	EventType string `gorm:"size:50;not null"`
	EventDesc string `gorm:"size:500"`
	EventData string `gorm:"type:text"`
	Operator  string `gorm:"size:100"` // empty for system
	Result    string `gorm:"size:20;default:info"`

	CreateTime time.Time `gorm:"autoCreateTime"`
}

// NotificationLog records one webhook delivery attempt.
type NotificationLog struct {
	ID      uint `gorm:"primaryKey;autoIncrement"`
	OrderID uint `gorm:"index;not null"`
	ShopID  uint `gorm:"index;not null"`

	NotifyType   string `gorm:"size:20;not null"` // dingtalk / wecom / telegram
	NotifyStatus int    `gorm:"default:0"`        // 0=fail 1=ok
	Attempt      int

	RequestData  string `gorm:"type:text"`
	ResponseData string `gorm:"type:text"`
	ErrorMessage string `gorm:"type:text"`

	CreateTime time.Time `gorm:"autoCreateTime"`
}

// ApiLog records one inbound platform request with truncated bodies.
type ApiLog struct {
	ID     uint  `gorm:"primaryKey;autoIncrement"`
	ShopID *uint `gorm:"index"`

	ApiType        string `gorm:"size:50"`
	RequestMethod  string `gorm:"size:10"`
	RequestURL     string `gorm:"size:500"`
	RequestBody    string `gorm:"type:text"`
	ResponseStatus int
	ResponseBody   string `gorm:"type:text"`
	IPAddress      string `gorm:"size:50"`

	CreateTime time.Time `gorm:"autoCreateTime"`
}

// User is an operator account. Only the default admin bootstrap is handled
// here; the login flow lives outside this service.
type User struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"size:50;uniqueIndex"`
	PasswordHash string `gorm:"size:200"`
	IsAdmin      int    `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
