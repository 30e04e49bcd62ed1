package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

// New opens the relational store. A postgres:// or postgresql:// DSN
// selects PostgreSQL, anything else is treated as a SQLite file path.
func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	return &Database{db: db}, nil
}

// AutoMigrate creates or updates the schema for all models.
func (d *Database) AutoMigrate() error {
	return d.db.AutoMigrate(
		&Shop{}, &Product{}, &Order{}, &OrderEvent{},
		&NotificationLog{}, &ApiLog{}, &User{},
	)
}

// Init migrates the schema and upserts the default administrator.
func (d *Database) Init(adminUser, adminPass string) error {
	if err := d.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	var user User
	err = d.db.Where("username = ?", adminUser).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{Username: adminUser, PasswordHash: string(hash), IsAdmin: 1}
		if err := d.db.Create(&user).Error; err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		log.Info().Str("username", adminUser).Msg("Default administrator created")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("username", adminUser).Msg("Administrator already exists")
	return nil
}

// Shop lookups

// ResolveShopGame finds an enabled shop by game customer id, falling back
// to shop_code.
func (d *Database) ResolveShopGame(customerID, shopCode string) (*Shop, error) {
	var shop Shop
	if customerID != "" {
		err := d.db.Where("game_customer_id = ? AND is_enabled = 1", customerID).First(&shop).Error
		if err == nil {
			return &shop, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if shopCode != "" {
		err := d.db.Where("shop_code = ? AND is_enabled = 1", shopCode).First(&shop).Error
		if err == nil {
			return &shop, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// ResolveShopGeneral finds an enabled shop by general vendor id, falling
// back to shop_code.
func (d *Database) ResolveShopGeneral(vendorID, shopCode string) (*Shop, error) {
	var shop Shop
	if vendorID != "" {
		err := d.db.Where("general_vendor_id = ? AND is_enabled = 1", vendorID).First(&shop).Error
		if err == nil {
			return &shop, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		err = d.db.Where("shop_code = ? AND is_enabled = 1", vendorID).First(&shop).Error
		if err == nil {
			return &shop, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if shopCode != "" {
		err := d.db.Where("shop_code = ? AND is_enabled = 1", shopCode).First(&shop).Error
		if err == nil {
			return &shop, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// FirstEnabledGameShop returns any enabled GAME shop. Legacy fallback for
// pushes that omit customerId; callers must log its use.
func (d *Database) FirstEnabledGameShop() (*Shop, error) {
	var shop Shop
	err := d.db.Where("shop_type = ? AND is_enabled = 1", ShopTypeGame).
		Order("id").First(&shop).Error
	if err != nil {
		return nil, err
	}
	return &shop, nil
}

func (d *Database) GetShop(id uint) (*Shop, error) {
	var shop Shop
	err := d.db.First(&shop, id).Error
	return &shop, err
}

func (d *Database) SaveShop(shop *Shop) error {
	return d.db.Save(shop).Error
}

// Order operations

// NewOrderNo builds an internal order number: ORD + UTC timestamp + 8 hex
// chars, globally unique.
func NewOrderNo() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "ORD" + time.Now().UTC().Format("20060102150405") + suffix
}

// InsertOrderIfAbsent atomically inserts the order draft. On a
// (jd_order_no, shop_id) conflict the existing row is returned with
// created=false; concurrent callers see exactly one created=true.
func (d *Database) InsertOrderIfAbsent(o *Order) (*Order, bool, error) {
	if o.OrderNo == "" {
		o.OrderNo = NewOrderNo()
	}
	err := d.db.Create(o).Error
	if err == nil {
		return o, true, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, ferr := d.FindOrder(o.JDOrderNo, o.ShopID)
		if ferr != nil {
			return nil, false, fmt.Errorf("lookup after conflict: %w", ferr)
		}
		return existing, false, nil
	}
	return nil, false, err
}

// ErrBadTransition is returned when the order is not in any of the
// expected states.
var ErrBadTransition = errors.New("order not in expected status")

// Transition performs a conditional status update guarded on the current
// status. One automatic retry covers transient store errors.
func (d *Database) Transition(o *Order, to OrderStatus, expect ...OrderStatus) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		res := d.db.Model(&Order{}).
			Where("id = ? AND order_status IN ?", o.ID, statusInts(expect)).
			Update("order_status", int(to))
		if res.Error != nil {
			lastErr = res.Error
			continue
		}
		if res.RowsAffected == 0 {
			return ErrBadTransition
		}
		o.OrderStatus = to
		return nil
	}
	return fmt.Errorf("transition to %d: %w", to, lastErr)
}

// ForceStatus overwrites the status with no transition guard. Operator
// tooling only; normal flows go through Transition.
func (d *Database) ForceStatus(o *Order, to OrderStatus) error {
	err := d.db.Model(o).Update("order_status", int(to)).Error
	if err != nil {
		return err
	}
	o.OrderStatus = to
	return nil
}

func statusInts(ss []OrderStatus) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i] = int(s)
	}
	return out
}

// SetCardInfo stores the delivered cards as JSON and stamps deliver_time.
// Always called before the platform callback so a crash leaves the order
// recoverable.
func (d *Database) SetCardInfo(o *Order, cards []Card) error {
	data, err := json.Marshal(cards)
	if err != nil {
		return fmt.Errorf("marshal cards: %w", err)
	}
	now := time.Now().UTC()
	err = d.db.Model(o).Updates(map[string]any{
		"card_info":    string(data),
		"deliver_time": now,
	}).Error
	if err != nil {
		return err
	}
	o.CardInfo = string(data)
	o.DeliverTime = &now
	return nil
}

func (d *Database) SetNotifyStatus(o *Order, st NotifyStatus) error {
	now := time.Now().UTC()
	err := d.db.Model(o).Updates(map[string]any{
		"notify_status": int(st),
		"notify_time":   now,
	}).Error
	if err != nil {
		return err
	}
	o.NotifyStatus = st
	o.NotifyTime = &now
	return nil
}

// MarkNotified flips the human-notification flag after the final delivery
// attempt, regardless of outcome.
func (d *Database) MarkNotified(orderID uint) error {
	return d.db.Model(&Order{}).Where("id = ?", orderID).
		Update("notified", 1).Error
}

func (d *Database) FindOrder(jdOrderNo string, shopID uint) (*Order, error) {
	var order Order
	err := d.db.Where("jd_order_no = ? AND shop_id = ?", jdOrderNo, shopID).
		First(&order).Error
	return &order, err
}

// FindOrderAnyShop looks up by upstream order number alone. The legacy
// game query endpoints carry no tenant key.
func (d *Database) FindOrderAnyShop(jdOrderNo string) (*Order, error) {
	var order Order
	err := d.db.Where("jd_order_no = ?", jdOrderNo).First(&order).Error
	return &order, err
}

func (d *Database) GetOrder(id uint) (*Order, error) {
	var order Order
	err := d.db.First(&order, id).Error
	return &order, err
}

// Events

// AppendEvent writes one audit record. Failures are logged and swallowed:
// the event log must never block the primary transaction.
func (d *Database) AppendEvent(orderID uint, orderNo, eventType, desc string, data any, operator, result string) {
	event := OrderEvent{
		OrderID:   orderID,
		OrderNo:   orderNo,
		EventType: eventType,
		EventDesc: desc,
		Operator:  operator,
		Result:    result,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			event.EventData = string(raw)
		}
	}
	if err := d.db.Create(&event).Error; err != nil {
		log.Warn().Err(err).
			Str("order_no", orderNo).
			Str("event_type", eventType).
			Msg("Event log dropped")
	}
}

func (d *Database) ListOrderEvents(orderID uint) ([]OrderEvent, error) {
	var events []OrderEvent
	err := d.db.Where("order_id = ?", orderID).Order("id").Find(&events).Error
	return events, err
}

// Products

// MatchAutoProduct finds the enabled auto-card product bound to
// (shop, sku), if any.
func (d *Database) MatchAutoProduct(shopID uint, skuID string) (*Product, error) {
	if skuID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var product Product
	err := d.db.Where(
		"shop_id = ? AND sku_id = ? AND is_enabled = 1 AND deliver_type = ?",
		shopID, skuID, int(DeliverTypeAutoCard),
	).First(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (d *Database) SaveProduct(p *Product) error {
	return d.db.Save(p).Error
}

// Logs

func (d *Database) SaveApiLog(entry *ApiLog) error {
	return d.db.Create(entry).Error
}

func (d *Database) ListApiLogs() ([]ApiLog, error) {
	var logs []ApiLog
	err := d.db.Order("id").Find(&logs).Error
	return logs, err
}

func (d *Database) SaveNotificationLog(entry *NotificationLog) error {
	return d.db.Create(entry).Error
}

func (d *Database) GetNotificationLog(id uint) (*NotificationLog, error) {
	var entry NotificationLog
	err := d.db.First(&entry, id).Error
	return &entry, err
}

func (d *Database) ListNotificationLogs(orderID uint) ([]NotificationLog, error) {
	var logs []NotificationLog
	err := d.db.Where("order_id = ?", orderID).Order("id").Find(&logs).Error
	return logs, err
}
