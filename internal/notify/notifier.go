// Package notify fans out new-order notifications to the shop's chat
// webhooks. Delivery runs on a bounded worker pool and is never observed
// by the inbound HTTP response.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/database"
)

const (
	ChannelDingtalk = "dingtalk"
	ChannelWecom    = "wecom"
	ChannelTelegram = "telegram"
)

var defaultBackoffs = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}

type job struct {
	orderID uint
	shopID  uint
}

// Notifier owns the delivery worker pool.
type Notifier struct {
	mu      sync.Mutex
	db      *database.Database
	jobs    chan job
	wg      sync.WaitGroup
	running bool

	httpClient *http.Client
	tg         *tgbotapi.BotAPI
	backoffs   []time.Duration
}

// New creates a notifier with the given pool size. A Telegram bot is
// attached when TELEGRAM_BOT_TOKEN is set; shops opt in via their chat id.
func New(db *database.Database, workers int) *Notifier {
	if workers <= 0 {
		workers = 4
	}
	n := &Notifier{
		db:         db,
		jobs:       make(chan job, 256),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		backoffs:   defaultBackoffs,
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		api, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot unavailable, channel disabled")
		} else {
			n.tg = api
			log.Info().Str("username", api.Self.UserName).Msg("Telegram notifier ready")
		}
	}
	n.start(workers)
	return n
}

func (n *Notifier) start(workers int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return
	}
	n.running = true
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for j := range n.jobs {
				n.dispatch(j)
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight deliveries.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()
	close(n.jobs)
	n.wg.Wait()
}

// Enqueue schedules a new-order notification. Returns immediately; a full
// queue drops the job with a warning rather than stalling ingestion, and a
// stopped notifier drops silently. The send happens under the lock so
// Stop cannot close the channel between the running check and the send.
func (n *Notifier) Enqueue(order *database.Order, shop *database.Shop) {
	if shop.NotifyEnabled != 1 {
		return
	}
	if len(channelsFor(shop, n.tg != nil)) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	select {
	case n.jobs <- job{orderID: order.ID, shopID: shop.ID}:
	default:
		log.Warn().Str("order_no", order.OrderNo).Msg("Notification queue full, dropped")
	}
}

func channelsFor(shop *database.Shop, tgReady bool) []string {
	var channels []string
	if shop.DingtalkWebhook != "" {
		channels = append(channels, ChannelDingtalk)
	}
	if shop.WecomWebhook != "" {
		channels = append(channels, ChannelWecom)
	}
	if tgReady && shop.TelegramChatID != 0 {
		channels = append(channels, ChannelTelegram)
	}
	return channels
}

// dispatch delivers to every configured channel independently, retrying
// with the fixed backoff ladder and logging each attempt. The order's
// notified flag is set after the final attempt regardless of outcome.
func (n *Notifier) dispatch(j job) {
	order, err := n.db.GetOrder(j.orderID)
	if err != nil {
		log.Warn().Err(err).Uint("order_id", j.orderID).Msg("Notification order lookup failed")
		return
	}
	shop, err := n.db.GetShop(j.shopID)
	if err != nil {
		log.Warn().Err(err).Uint("shop_id", j.shopID).Msg("Notification shop lookup failed")
		return
	}

	message := buildOrderMessage(order, shop)

	for _, channel := range channelsFor(shop, n.tg != nil) {
		for attempt := 0; attempt < len(n.backoffs); attempt++ {
			ok, respText, errMsg := n.send(channel, shop, message)

			entry := &database.NotificationLog{
				OrderID:      order.ID,
				ShopID:       shop.ID,
				NotifyType:   channel,
				Attempt:      attempt + 1,
				RequestData:  truncate(message, 500),
				ResponseData: truncate(respText, 2000),
				ErrorMessage: errMsg,
			}
			if ok {
				entry.NotifyStatus = 1
			}
			if err := n.db.SaveNotificationLog(entry); err != nil {
				log.Warn().Err(err).Msg("Notification log dropped")
			}

			if ok {
				break
			}
			if attempt < len(n.backoffs)-1 {
				time.Sleep(n.backoffs[attempt])
			}
		}
	}

	if err := n.db.MarkNotified(order.ID); err != nil {
		log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("Mark notified failed")
	}
}

// Resend re-delivers the notification recorded in a log row. The original
// row is untouched; a new attempt row is appended.
func (n *Notifier) Resend(logID uint) (bool, string) {
	entry, err := n.db.GetNotificationLog(logID)
	if err != nil {
		return false, "通知记录不存在"
	}
	order, err := n.db.GetOrder(entry.OrderID)
	if err != nil {
		return false, "订单不存在"
	}
	shop, err := n.db.GetShop(entry.ShopID)
	if err != nil {
		return false, "店铺不存在"
	}

	message := buildOrderMessage(order, shop)
	ok, respText, errMsg := n.send(entry.NotifyType, shop, message)

	newEntry := &database.NotificationLog{
		OrderID:      order.ID,
		ShopID:       shop.ID,
		NotifyType:   entry.NotifyType,
		Attempt:      1,
		RequestData:  truncate(message, 500),
		ResponseData: truncate(respText, 2000),
		ErrorMessage: errMsg,
	}
	if ok {
		newEntry.NotifyStatus = 1
	}
	if err := n.db.SaveNotificationLog(newEntry); err != nil {
		log.Warn().Err(err).Msg("Notification log dropped")
	}

	if !ok {
		return false, errMsg
	}
	return true, "发送成功"
}

// SendTest fires a configuration test message over one channel.
func (n *Notifier) SendTest(shop *database.Shop, channel string) (bool, string) {
	message := fmt.Sprintf(
		"### 🔔 测试通知\n\n**店铺：** %s\n\n**时间：** %s\n\n> 这是一条测试通知，收到此消息说明配置正确",
		shop.ShopName, time.Now().Format("2006-01-02 15:04:05"),
	)
	ok, _, errMsg := n.send(channel, shop, message)
	if !ok {
		return false, errMsg
	}
	return true, "测试通知发送成功"
}

func (n *Notifier) send(channel string, shop *database.Shop, message string) (bool, string, string) {
	switch channel {
	case ChannelDingtalk:
		if shop.DingtalkWebhook == "" {
			return false, "", "未配置通知渠道"
		}
		return n.sendDingtalk(shop.DingtalkWebhook, shop.DingtalkSecret, message)
	case ChannelWecom:
		if shop.WecomWebhook == "" {
			return false, "", "未配置通知渠道"
		}
		return n.sendWecom(shop.WecomWebhook, message)
	case ChannelTelegram:
		return n.sendTelegram(shop.TelegramChatID, message)
	default:
		return false, "", "未配置通知渠道"
	}
}

func buildOrderMessage(order *database.Order, shop *database.Shop) string {
	created := ""
	if !order.CreatedAt.IsZero() {
		created = order.CreatedAt.Format("2006-01-02 15:04:05")
	}
	product := order.ProductInfo
	if product == "" {
		product = "-"
	}
	account := order.ProduceAccount
	if account == "" {
		account = "-"
	}
	return fmt.Sprintf(
		"### 📦 新订单通知\n\n**订单号：** %s\n\n**店铺：** %s\n\n**商品：** %s\n\n**金额：** ¥%.2f\n\n**数量：** %d\n\n**充值账号：** %s\n\n**创建时间：** %s\n\n> 请及时处理订单",
		order.JDOrderNo, shop.ShopName, product,
		float64(order.Amount)/100, order.Quantity, account, created,
	)
}

// dingtalkSign implements the webhook security signature:
// base64(HMAC-SHA256("<ts>\n<secret>", secret)), URL-encoded.
func dingtalkSign(timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s", timestamp, secret)
	return url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func (n *Notifier) sendDingtalk(webhook, secret, message string) (bool, string, string) {
	target := webhook
	if secret != "" {
		ts := time.Now().UnixMilli()
		sep := "?"
		if u, err := url.Parse(webhook); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		target = webhook + sep + "timestamp=" + strconv.FormatInt(ts, 10) + "&sign=" + dingtalkSign(ts, secret)
	}
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": "新订单通知",
			"text":  message,
		},
	}
	return n.postWebhook(target, payload)
}

func (n *Notifier) sendWecom(webhook, message string) (bool, string, string) {
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"content": message,
		},
	}
	return n.postWebhook(webhook, payload)
}

func (n *Notifier) postWebhook(target string, payload any) (bool, string, string) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, "", err.Error()
	}
	resp, err := n.httpClient.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		return false, "", err.Error()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, "", err.Error()
	}
	var reply struct {
		ErrCode *int   `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil || reply.ErrCode == nil {
		return false, string(raw), "响应解析失败"
	}
	if *reply.ErrCode != 0 {
		msg := reply.ErrMsg
		if msg == "" {
			msg = "未知错误"
		}
		return false, string(raw), msg
	}
	return true, string(raw), ""
}

func (n *Notifier) sendTelegram(chatID int64, message string) (bool, string, string) {
	if n.tg == nil || chatID == 0 {
		return false, "", "未配置通知渠道"
	}
	msg := tgbotapi.NewMessage(chatID, message)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.tg.Send(msg); err != nil {
		return false, "", err.Error()
	}
	return true, "", ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
