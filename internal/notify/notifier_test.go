package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/jdbridge/internal/database"
)

func newTestNotifier(t *testing.T) (*Notifier, *database.Database) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	d, err := database.New("file:notify_" + t.Name() + "?mode=memory&cache=shared&_busy_timeout=5000")
	require.NoError(t, err)
	require.NoError(t, d.AutoMigrate())

	n := New(d, 1)
	n.backoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return n, d
}

func seed(t *testing.T, d *database.Database, shop *database.Shop) (*database.Order, *database.Shop) {
	t.Helper()
	require.NoError(t, d.SaveShop(shop))
	order, _, err := d.InsertOrderIfAbsent(&database.Order{
		JDOrderNo: "JD01", ShopID: shop.ID, Amount: 100, Quantity: 1,
		ShopType: database.ShopTypeGame, OrderType: database.OrderTypeDirect,
	})
	require.NoError(t, err)
	return order, shop
}

func TestDispatchSuccessFirstAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"errcode":0,"errmsg":"ok"}`)
	}))
	defer srv.Close()

	n, d := newTestNotifier(t)
	order, shop := seed(t, d, &database.Shop{
		ShopCode: "S1", ShopName: "shop one", IsEnabled: 1,
		NotifyEnabled: 1, WecomWebhook: srv.URL,
	})

	n.Enqueue(order, shop)
	n.Stop()

	assert.EqualValues(t, 1, hits.Load())

	logs, err := d.ListNotificationLogs(order.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ChannelWecom, logs[0].NotifyType)
	assert.Equal(t, 1, logs[0].NotifyStatus)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Contains(t, logs[0].RequestData, "JD01")

	stored, err := d.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Notified)
}

func TestDispatchRetriesThenGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"errcode":300001,"errmsg":"invalid token"}`)
	}))
	defer srv.Close()

	n, d := newTestNotifier(t)
	order, shop := seed(t, d, &database.Shop{
		ShopCode: "S1", IsEnabled: 1, NotifyEnabled: 1, WecomWebhook: srv.URL,
	})

	n.Enqueue(order, shop)
	n.Stop()

	assert.EqualValues(t, 3, hits.Load())

	logs, err := d.ListNotificationLogs(order.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, entry := range logs {
		assert.Equal(t, 0, entry.NotifyStatus)
		assert.Equal(t, i+1, entry.Attempt)
		assert.Equal(t, "invalid token", entry.ErrorMessage)
	}

	// Notified is set even after total failure.
	stored, err := d.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Notified)
}

func TestDispatchRecoversOnRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			fmt.Fprint(w, `{"errcode":1,"errmsg":"busy"}`)
			return
		}
		fmt.Fprint(w, `{"errcode":0}`)
	}))
	defer srv.Close()

	n, d := newTestNotifier(t)
	order, shop := seed(t, d, &database.Shop{
		ShopCode: "S1", IsEnabled: 1, NotifyEnabled: 1, WecomWebhook: srv.URL,
	})

	n.Enqueue(order, shop)
	n.Stop()

	logs, err := d.ListNotificationLogs(order.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, 1, logs[2].NotifyStatus)
}

func TestDingtalkSignedURL(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"errcode":0}`)
	}))
	defer srv.Close()

	n, d := newTestNotifier(t)
	order, shop := seed(t, d, &database.Shop{
		ShopCode: "S1", IsEnabled: 1, NotifyEnabled: 1,
		DingtalkWebhook: srv.URL, DingtalkSecret: "SECRET",
	})

	n.Enqueue(order, shop)
	n.Stop()

	require.NotNil(t, gotQuery)
	tsStr := gotQuery.Get("timestamp")
	require.NotEmpty(t, tsStr)

	// Recompute the webhook signature for the sent timestamp.
	mac := hmac.New(sha256.New, []byte("SECRET"))
	fmt.Fprintf(mac, "%s\n%s", tsStr, "SECRET")
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotQuery.Get("sign"))
}

func TestEnqueueRespectsOptOut(t *testing.T) {
	n, d := newTestNotifier(t)
	order, shop := seed(t, d, &database.Shop{
		ShopCode: "S1", IsEnabled: 1, NotifyEnabled: 0, WecomWebhook: "http://example.invalid",
	})

	n.Enqueue(order, shop)
	n.Stop()

	logs, err := d.ListNotificationLogs(order.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestEnqueueAfterStopIsNoop(t *testing.T) {
	n, d := newTestNotifier(t)
	order, shop := seed(t, d, &database.Shop{
		ShopCode: "S1", IsEnabled: 1, NotifyEnabled: 1, WecomWebhook: "http://example.invalid",
	})

	n.Stop()

	// Ingestion can still race a shutdown; the enqueue must drop the job
	// instead of panicking on the closed queue.
	assert.NotPanics(t, func() { n.Enqueue(order, shop) })

	logs, err := d.ListNotificationLogs(order.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestResendAppendsNewRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errcode":0}`)
	}))
	defer srv.Close()

	n, d := newTestNotifier(t)
	defer n.Stop()
	order, shop := seed(t, d, &database.Shop{
		ShopCode: "S1", IsEnabled: 1, NotifyEnabled: 1, WecomWebhook: srv.URL,
	})

	original := &database.NotificationLog{
		OrderID: order.ID, ShopID: shop.ID,
		NotifyType: ChannelWecom, NotifyStatus: 0, Attempt: 3,
		ErrorMessage: "timeout",
	}
	require.NoError(t, d.SaveNotificationLog(original))

	ok, msg := n.Resend(original.ID)
	assert.True(t, ok, msg)

	logs, err := d.ListNotificationLogs(order.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	// Original row untouched, new row appended.
	assert.Equal(t, 0, logs[0].NotifyStatus)
	assert.Equal(t, "timeout", logs[0].ErrorMessage)
	assert.Equal(t, 1, logs[1].NotifyStatus)
}

func TestSendTestUnconfiguredChannel(t *testing.T) {
	n, _ := newTestNotifier(t)
	defer n.Stop()

	ok, msg := n.SendTest(&database.Shop{ShopName: "s"}, ChannelDingtalk)
	assert.False(t, ok)
	assert.NotEmpty(t, msg)
}
