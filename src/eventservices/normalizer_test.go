package eventservices

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	"github.com/jiaming2012/risk-daemon/src/projectx"
)

func rawFrame(t *testing.T, channel string, accountID string, payload interface{}) *projectx.RawEvent {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return &projectx.RawEvent{
		Channel:   channel,
		AccountID: accountID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func TestEventNormalizer(t *testing.T) {
	fillTime := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

	newNormalizer := func() (*EventNormalizer, *PriceCache) {
		prices := NewPriceCache(time.Minute)
		instruments := NewInstrumentCache(newMockBroker())

		return NewEventNormalizer(prices, instruments, []string{"ACC-1"}), prices
	}

	t.Run("maps a fill frame", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelFill, "ACC-1", projectx.FillDTO{
			OrderID:     "ord-1",
			ContractID:  "CON.F.US.MNQ.U25",
			Side:        1,
			Size:        3,
			FilledPrice: 18400.25,
			FillTime:    fillTime,
			AccountID:   "ACC-1",
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.NotNil(t, event)
		require.Equal(t, eventmodels.EventTypeFill, event.Type)
		require.Equal(t, "ACC-1", event.AccountID)
		require.Equal(t, eventmodels.PriorityFill, event.Priority)
		require.Equal(t, fillTime, event.Timestamp)

		fill, ok := event.Payload.(*eventmodels.Fill)
		require.True(t, ok)
		require.Equal(t, "ord-1", fill.OrderID)
		require.Equal(t, "MNQ", fill.Symbol)
		require.Equal(t, eventmodels.SideShort, fill.Side)
		require.Equal(t, 3, fill.Quantity)
		require.Equal(t, "18400.25", fill.Price.String())
	})

	t.Run("drops a fill for an untracked account", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelFill, "ACC-9", projectx.FillDTO{
			OrderID:     "ord-2",
			ContractID:  "CON.F.US.MNQ.U25",
			Side:        0,
			Size:        1,
			FilledPrice: 18400,
			FillTime:    fillTime,
			AccountID:   "ACC-9",
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.Nil(t, event)
	})

	t.Run("rejects a fill with an unknown side code", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelFill, "ACC-1", projectx.FillDTO{
			OrderID:     "ord-3",
			ContractID:  "CON.F.US.MNQ.U25",
			Side:        7,
			Size:        1,
			FilledPrice: 18400,
			FillTime:    fillTime,
			AccountID:   "ACC-1",
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.Error(t, err)
		require.Nil(t, event)
	})

	t.Run("consumes quotes into the price cache without emitting", func(t *testing.T) {
		// arrange
		normalizer, prices := newNormalizer()

		raw := rawFrame(t, projectx.ChannelQuote, "", projectx.QuoteDTO{
			ContractID: "CON.F.US.MNQ.U25",
			Bid:        18400.0,
			Ask:        18402.0,
			Timestamp:  fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.Nil(t, event)

		point, fresh := prices.GetFresh("MNQ")
		require.True(t, fresh)
		require.Equal(t, "18401", point.Mid.String())
	})

	t.Run("position update carries unrealized pnl from the fresh mid", func(t *testing.T) {
		// arrange
		normalizer, prices := newNormalizer()
		prices.Update("MNQ", decimal.NewFromFloat(18404.0), decimal.NewFromFloat(18406.0))

		raw := rawFrame(t, projectx.ChannelPosition, "ACC-1", projectx.PositionUpdateDTO{
			PositionID:      "P-1",
			ContractID:      "CON.F.US.MNQ.U25",
			Size:            2,
			AveragePrice:    18400.0,
			UpdateTimestamp: fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.NotNil(t, event)
		require.Equal(t, eventmodels.EventTypePositionUpdate, event.Type)
		require.Equal(t, "ACC-1", event.AccountID)

		update, ok := event.Payload.(*eventmodels.PositionUpdate)
		require.True(t, ok)
		require.Equal(t, "P-1", update.PositionID)
		require.Equal(t, "MNQ", update.Symbol)
		require.Equal(t, 2, update.Quantity)

		// mid 18405, entry 18400, 2 contracts at 2.0 per point
		require.Equal(t, "20", update.UnrealizedPnL.String())
	})

	t.Run("position update with a stale price reports exactly zero", func(t *testing.T) {
		// arrange
		prices := NewPriceCache(time.Minute)
		instruments := NewInstrumentCache(newMockBroker())
		normalizer := NewEventNormalizer(prices, instruments, []string{"ACC-1"})

		now := fillTime
		prices.nowFn = func() time.Time { return now }
		prices.Update("MNQ", decimal.NewFromFloat(18404.0), decimal.NewFromFloat(18406.0))
		now = fillTime.Add(2 * time.Minute)

		raw := rawFrame(t, projectx.ChannelPosition, "ACC-1", projectx.PositionUpdateDTO{
			PositionID:      "P-1",
			ContractID:      "CON.F.US.MNQ.U25",
			Size:            2,
			AveragePrice:    18400.0,
			UpdateTimestamp: fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.NotNil(t, event)

		update, ok := event.Payload.(*eventmodels.PositionUpdate)
		require.True(t, ok)
		require.True(t, update.UnrealizedPnL.IsZero())
	})

	t.Run("closed position update skips valuation", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelPosition, "ACC-1", projectx.PositionUpdateDTO{
			PositionID:      "P-1",
			ContractID:      "CON.F.US.MNQ.U25",
			Size:            0,
			AveragePrice:    18400.0,
			UpdateTimestamp: fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.NotNil(t, event)

		update, ok := event.Payload.(*eventmodels.PositionUpdate)
		require.True(t, ok)
		require.True(t, update.IsClosed())
		require.True(t, update.UnrealizedPnL.IsZero())
	})

	t.Run("drops a position update for an untracked account", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelPosition, "ACC-9", projectx.PositionUpdateDTO{
			PositionID:      "P-2",
			ContractID:      "CON.F.US.MNQ.U25",
			Size:            1,
			AveragePrice:    18400.0,
			UpdateTimestamp: fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.Nil(t, event)
	})

	t.Run("maps connection status transitions", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelStatus, "", projectx.ConnectionStatusDTO{
			Status:    "reconnected",
			Reason:    "read error",
			Timestamp: fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.NotNil(t, event)
		require.Equal(t, eventmodels.EventTypeConnectionChange, event.Type)
		require.Equal(t, eventmodels.PriorityConnectionChange, event.Priority)
		require.Equal(t, "", event.AccountID)

		change, ok := event.Payload.(*eventmodels.ConnectionChange)
		require.True(t, ok)
		require.Equal(t, eventmodels.ConnectionStatusReconnected, change.Status)
		require.Equal(t, "read error", change.Reason)
		require.Equal(t, "projectx", change.Broker)
	})

	t.Run("passes the transitional reconnecting status through", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelStatus, "", projectx.ConnectionStatusDTO{
			Status:    "reconnecting",
			Reason:    "dial backoff",
			Timestamp: fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.NotNil(t, event)

		change, ok := event.Payload.(*eventmodels.ConnectionChange)
		require.True(t, ok)
		require.Equal(t, eventmodels.ConnectionStatusReconnecting, change.Status)
		require.Equal(t, "dial backoff", change.Reason)
	})

	t.Run("drops unknown status values", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		raw := rawFrame(t, projectx.ChannelStatus, "", projectx.ConnectionStatusDTO{
			Status:    "warming_up",
			Timestamp: fillTime,
		})

		// act
		event, err := normalizer.Normalize(context.Background(), raw)

		// assert
		require.NoError(t, err)
		require.Nil(t, event)
	})

	t.Run("drops order acks and unknown channels", func(t *testing.T) {
		// arrange
		normalizer, _ := newNormalizer()

		ack := rawFrame(t, projectx.ChannelOrderAck, "ACC-1", map[string]string{"order_id": "ord-9"})
		unknown := rawFrame(t, "heartbeat", "ACC-1", map[string]string{})

		// act
		ackEvent, ackErr := normalizer.Normalize(context.Background(), ack)
		unknownEvent, unknownErr := normalizer.Normalize(context.Background(), unknown)

		// assert
		require.NoError(t, ackErr)
		require.Nil(t, ackEvent)
		require.NoError(t, unknownErr)
		require.Nil(t, unknownEvent)
	})
}
