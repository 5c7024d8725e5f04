package eventservices

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	"github.com/jiaming2012/risk-daemon/src/projectx"
)

const normalizerSource = "projectx"

// EventNormalizer turns raw stream frames into pipeline events. It is the
// only component that understands broker wire shapes: everything downstream
// sees fully populated eventmodels payloads or nothing at all. Quote frames
// feed the price cache and produce no event.
type EventNormalizer struct {
	prices      *PriceCache
	instruments *InstrumentCache
	accountIDs  map[string]struct{}
}

func NewEventNormalizer(prices *PriceCache, instruments *InstrumentCache, accountIDs []string) *EventNormalizer {
	known := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		known[id] = struct{}{}
	}

	return &EventNormalizer{
		prices:      prices,
		instruments: instruments,
		accountIDs:  known,
	}
}

// Normalize returns the pipeline event for a raw frame, or nil for frames
// that are consumed in place (quotes) or dropped (acks, unknown channels,
// untracked accounts). An error means the frame claimed to be something it
// could not be parsed as.
func (n *EventNormalizer) Normalize(ctx context.Context, raw *projectx.RawEvent) (*eventmodels.Event, error) {
	switch raw.Channel {
	case projectx.ChannelFill:
		return n.normalizeFill(raw)

	case projectx.ChannelPosition:
		return n.normalizePositionUpdate(ctx, raw)

	case projectx.ChannelQuote:
		return nil, n.consumeQuote(raw)

	case projectx.ChannelStatus:
		return n.normalizeStatus(raw)

	case projectx.ChannelOrderAck:
		log.Debugf("EventNormalizer.Normalize: dropping order ack frame for account %s", raw.AccountID)
		return nil, nil

	default:
		log.Warnf("EventNormalizer.Normalize: dropping frame on unknown channel %q", raw.Channel)
		return nil, nil
	}
}

func (n *EventNormalizer) normalizeFill(raw *projectx.RawEvent) (*eventmodels.Event, error) {
	var dto projectx.FillDTO
	if err := json.Unmarshal(raw.Data, &dto); err != nil {
		return nil, fmt.Errorf("EventNormalizer.normalizeFill: failed to unmarshal fill: %w", err)
	}

	if _, tracked := n.accountIDs[dto.AccountID]; !tracked {
		log.Warnf("EventNormalizer.normalizeFill: dropping fill %s for untracked account %s", dto.OrderID, dto.AccountID)
		return nil, nil
	}

	symbol, err := projectx.SymbolFromContractID(dto.ContractID)
	if err != nil {
		return nil, fmt.Errorf("EventNormalizer.normalizeFill: %w", err)
	}

	side, err := eventmodels.NewSideFromBrokerCode(dto.Side)
	if err != nil {
		return nil, fmt.Errorf("EventNormalizer.normalizeFill: fill %s: %w", dto.OrderID, err)
	}

	fill := &eventmodels.Fill{
		OrderID:   dto.OrderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  dto.Size,
		Price:     decimal.NewFromFloat(dto.FilledPrice),
		Timestamp: dto.FillTime,
	}

	if err := fill.Validate(); err != nil {
		return nil, fmt.Errorf("EventNormalizer.normalizeFill: %w", err)
	}

	return eventmodels.NewEvent(normalizerSource, dto.AccountID, dto.FillTime, fill), nil
}

func (n *EventNormalizer) normalizePositionUpdate(ctx context.Context, raw *projectx.RawEvent) (*eventmodels.Event, error) {
	var dto projectx.PositionUpdateDTO
	if err := json.Unmarshal(raw.Data, &dto); err != nil {
		return nil, fmt.Errorf("EventNormalizer.normalizePositionUpdate: failed to unmarshal position update: %w", err)
	}

	if _, tracked := n.accountIDs[raw.AccountID]; !tracked {
		log.Warnf("EventNormalizer.normalizePositionUpdate: dropping update %s for untracked account %s", dto.PositionID, raw.AccountID)
		return nil, nil
	}

	symbol, err := projectx.SymbolFromContractID(dto.ContractID)
	if err != nil {
		return nil, fmt.Errorf("EventNormalizer.normalizePositionUpdate: %w", err)
	}

	update := &eventmodels.PositionUpdate{
		PositionID: dto.PositionID,
		Symbol:     symbol,
		Quantity:   dto.Size,
		AvgPrice:   decimal.NewFromFloat(dto.AveragePrice),
		Timestamp:  dto.UpdateTimestamp,
	}

	if !update.IsClosed() {
		update.UnrealizedPnL = n.valuePosition(ctx, symbol, update)
	}

	return eventmodels.NewEvent(normalizerSource, raw.AccountID, dto.UpdateTimestamp, update), nil
}

// valuePosition computes unrealized PnL from the cached mid price. A missing
// or stale price yields exactly zero, never a guess from an old quote.
func (n *EventNormalizer) valuePosition(ctx context.Context, symbol string, update *eventmodels.PositionUpdate) decimal.Decimal {
	point, fresh := n.prices.GetFresh(symbol)
	if !fresh {
		log.Warnf("EventNormalizer.valuePosition: no fresh price for %s, reporting zero unrealized PnL", symbol)
		return decimal.Zero
	}

	tickValue, err := n.instruments.GetTickValue(ctx, symbol)
	if err != nil {
		log.Warnf("EventNormalizer.valuePosition: no tick value for %s, reporting zero unrealized PnL: %v", symbol, err)
		return decimal.Zero
	}

	qty := decimal.NewFromInt(int64(update.AbsQuantity()))
	diff := point.Mid.Sub(update.AvgPrice)

	return diff.Mul(qty).Mul(tickValue).Mul(update.Side().Direction())
}

func (n *EventNormalizer) consumeQuote(raw *projectx.RawEvent) error {
	var dto projectx.QuoteDTO
	if err := json.Unmarshal(raw.Data, &dto); err != nil {
		return fmt.Errorf("EventNormalizer.consumeQuote: failed to unmarshal quote: %w", err)
	}

	symbol, err := projectx.SymbolFromContractID(dto.ContractID)
	if err != nil {
		return fmt.Errorf("EventNormalizer.consumeQuote: %w", err)
	}

	n.prices.Update(symbol, decimal.NewFromFloat(dto.Bid), decimal.NewFromFloat(dto.Ask))

	return nil
}

func (n *EventNormalizer) normalizeStatus(raw *projectx.RawEvent) (*eventmodels.Event, error) {
	var dto projectx.ConnectionStatusDTO
	if err := json.Unmarshal(raw.Data, &dto); err != nil {
		return nil, fmt.Errorf("EventNormalizer.normalizeStatus: failed to unmarshal status: %w", err)
	}

	var status eventmodels.ConnectionStatus
	switch dto.Status {
	case "connected":
		status = eventmodels.ConnectionStatusConnected
	case "disconnected":
		status = eventmodels.ConnectionStatusDisconnected
	case "reconnecting":
		status = eventmodels.ConnectionStatusReconnecting
	case "reconnected":
		status = eventmodels.ConnectionStatusReconnected
	default:
		log.Warnf("EventNormalizer.normalizeStatus: dropping unknown connection status %q", dto.Status)
		return nil, nil
	}

	change := &eventmodels.ConnectionChange{
		Status:    status,
		Reason:    dto.Reason,
		Broker:    normalizerSource,
		Timestamp: dto.Timestamp,
	}

	return eventmodels.NewEvent(normalizerSource, raw.AccountID, dto.Timestamp, change), nil
}
