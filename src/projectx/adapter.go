package projectx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kataras/go-events"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	"github.com/jiaming2012/risk-daemon/src/utils"
)

const (
	requestAttempts   = 4
	requestRetryDelay = time.Second
	flattenMaxPasses  = 3
)

// BrokerAdapter adapts the gateway client to the IBroker surface the risk
// pipeline works against. Every call re-queries broker state before acting
// and retries transient failures with backoff; the caller only ever sees the
// final outcome.
type BrokerAdapter struct {
	client *Client

	mu          sync.Mutex
	contractIDs map[string]string
}

func NewBrokerAdapter(client *Client) *BrokerAdapter {
	return &BrokerAdapter{
		client:      client,
		contractIDs: make(map[string]string),
	}
}

// Connect authenticates the session. Calling it on an already connected
// adapter is a no-op; Disconnect clears the session first if a fresh login
// is wanted.
func (a *BrokerAdapter) Connect(ctx context.Context) error {
	if a.client.Token() != "" {
		log.Debug("BrokerAdapter.Connect: session already established")
		return nil
	}

	return utils.Retry(ctx, requestAttempts, requestRetryDelay, func() error {
		return a.client.Authenticate(ctx)
	})
}

func (a *BrokerAdapter) Disconnect(ctx context.Context) error {
	a.client.ClearSession()

	log.Info("BrokerAdapter.Disconnect: session cleared")

	return nil
}

func (a *BrokerAdapter) searchOpenPositions(ctx context.Context, accountID string) ([]positionDTO, error) {
	var dtos []positionDTO

	err := utils.Retry(ctx, requestAttempts, requestRetryDelay, func() error {
		var err error
		dtos, err = a.client.SearchOpenPositions(ctx, accountID)
		return err
	})

	return dtos, err
}

func mapPositionDTO(accountID string, dto positionDTO) (*eventmodels.Position, error) {
	symbol, err := SymbolFromContractID(dto.ContractID)
	if err != nil {
		return nil, fmt.Errorf("mapPositionDTO: %w", err)
	}

	side := eventmodels.SideLong
	quantity := dto.Size

	if dto.Size < 0 {
		side = eventmodels.SideShort
		quantity = -dto.Size
	}

	return &eventmodels.Position{
		PositionID: dto.ID,
		AccountID:  accountID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: decimal.NewFromFloat(dto.AveragePrice),
		OpenedAt:   dto.CreationTimestamp,
	}, nil
}

func (a *BrokerAdapter) GetCurrentPositions(ctx context.Context, accountID string) ([]*eventmodels.Position, error) {
	dtos, err := a.searchOpenPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("BrokerAdapter.GetCurrentPositions: %w", err)
	}

	positions := make([]*eventmodels.Position, 0, len(dtos))

	for _, dto := range dtos {
		if dto.Size == 0 {
			log.Tracef("BrokerAdapter.GetCurrentPositions: skipping flat position %s", dto.ID)
			continue
		}

		position, err := mapPositionDTO(accountID, dto)
		if err != nil {
			log.Warnf("BrokerAdapter.GetCurrentPositions: %v", err)
			continue
		}

		// The broker's position object carries neither current price nor
		// unrealized PnL; value it here so callers get a complete Position.
		// A failed lookup values the position at zero rather than failing
		// the whole query.
		if err := a.valuePosition(ctx, position); err != nil {
			log.Warnf("BrokerAdapter.GetCurrentPositions: could not value %s, reporting zero unrealized PnL: %v", position.Symbol, err)
		}

		positions = append(positions, position)
	}

	return positions, nil
}

func (a *BrokerAdapter) valuePosition(ctx context.Context, position *eventmodels.Position) error {
	currentPrice, err := a.GetCurrentPrice(ctx, position.Symbol)
	if err != nil {
		return err
	}

	tickValue, err := a.GetInstrumentTickValue(ctx, position.Symbol)
	if err != nil {
		return err
	}

	position.CurrentPrice = currentPrice
	position.UnrealizedPnL = position.ComputeUnrealizedPnL(currentPrice, tickValue)

	return nil
}

func mapOrderDTO(dto orderDTO) (*eventmodels.BrokerOrder, error) {
	symbol, err := SymbolFromContractID(dto.ContractID)
	if err != nil {
		return nil, fmt.Errorf("mapOrderDTO: %w", err)
	}

	var orderType eventmodels.OrderType
	switch dto.Type {
	case orderTypeStopCode:
		orderType = eventmodels.OrderTypeStop
	case orderTypeLimitCode:
		orderType = eventmodels.OrderTypeLimit
	case orderTypeMarketCode:
		orderType = eventmodels.OrderTypeMarket
	default:
		return nil, fmt.Errorf("mapOrderDTO: unknown order type code %d for order %s", dto.Type, dto.ID)
	}

	side, err := eventmodels.NewSideFromBrokerCode(dto.Side)
	if err != nil {
		return nil, fmt.Errorf("mapOrderDTO: %w", err)
	}

	var stopPrice *decimal.Decimal
	if dto.StopPrice != nil {
		price := decimal.NewFromFloat(*dto.StopPrice)
		stopPrice = &price
	}

	return &eventmodels.BrokerOrder{
		OrderID:   dto.ID,
		AccountID: dto.AccountID,
		Symbol:    symbol,
		Type:      orderType,
		Side:      side,
		Quantity:  dto.Size,
		StopPrice: stopPrice,
	}, nil
}

func (a *BrokerAdapter) GetOpenOrders(ctx context.Context, accountID string) ([]*eventmodels.BrokerOrder, error) {
	var dtos []orderDTO

	err := utils.Retry(ctx, requestAttempts, requestRetryDelay, func() error {
		var err error
		dtos, err = a.client.SearchOpenOrders(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("BrokerAdapter.GetOpenOrders: %w", err)
	}

	orders := make([]*eventmodels.BrokerOrder, 0, len(dtos))

	for _, dto := range dtos {
		order, err := mapOrderDTO(dto)
		if err != nil {
			log.Tracef("BrokerAdapter.GetOpenOrders: %v", err)
			continue
		}

		orders = append(orders, order)
	}

	return orders, nil
}

func (a *BrokerAdapter) closeContract(ctx context.Context, accountID string, contractID string, size *int) (*closeContractResponseDTO, error) {
	var resp *closeContractResponseDTO

	err := utils.Retry(ctx, requestAttempts, requestRetryDelay, func() error {
		var err error
		resp, err = a.client.CloseContract(ctx, accountID, contractID, size)
		return err
	})

	return resp, err
}

// ClosePosition re-queries the broker before acting: the position named may
// already be gone, which counts as the close being satisfied. A nil quantity
// or one covering the full size closes the position outright.
func (a *BrokerAdapter) ClosePosition(ctx context.Context, accountID string, positionID string, quantity *int) (*eventmodels.OrderResult, error) {
	dtos, err := a.searchOpenPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("BrokerAdapter.ClosePosition: %w", err)
	}

	var target *positionDTO
	for i := range dtos {
		if dtos[i].ID == positionID {
			target = &dtos[i]
			break
		}
	}

	if target == nil {
		log.Infof("BrokerAdapter.ClosePosition: position %s not found on broker, treating close as satisfied", positionID)

		return &eventmodels.OrderResult{
			Success: true,
			Reason:  "position already closed",
		}, nil
	}

	position, err := mapPositionDTO(accountID, *target)
	if err != nil {
		return nil, fmt.Errorf("BrokerAdapter.ClosePosition: %w", err)
	}

	size := quantity
	if size != nil && *size >= position.Quantity {
		size = nil
	}

	resp, err := a.closeContract(ctx, accountID, target.ContractID, size)
	if err != nil {
		return nil, fmt.Errorf("BrokerAdapter.ClosePosition: %w", err)
	}

	closedQuantity := position.Quantity
	if size != nil {
		closedQuantity = *size
	}

	result := &eventmodels.OrderResult{
		Success:  resp.Success,
		Symbol:   position.Symbol,
		Side:     position.Side.Opposite(),
		Quantity: closedQuantity,
	}

	if !resp.Success {
		result.Reason = resp.errorMessage()
	}

	return result, nil
}

// FlattenAccount closes everything open on the account, re-querying between
// passes to catch fills that landed mid-flatten. After flattenMaxPasses the
// residue is reported as ErrFlattenIncomplete rather than looping forever.
func (a *BrokerAdapter) FlattenAccount(ctx context.Context, accountID string) ([]*eventmodels.OrderResult, error) {
	var results []*eventmodels.OrderResult

	for pass := 1; ; pass++ {
		dtos, err := a.searchOpenPositions(ctx, accountID)
		if err != nil {
			return results, fmt.Errorf("BrokerAdapter.FlattenAccount: %w", err)
		}

		if len(dtos) == 0 {
			return results, nil
		}

		if pass > flattenMaxPasses {
			err := fmt.Errorf("%w: %d positions remain on account %s after %d passes", eventmodels.ErrFlattenIncomplete, len(dtos), accountID, flattenMaxPasses)
			return results, eventmodels.NewBrokerError(eventmodels.BrokerErrorOrder, "FlattenAccount", false, err)
		}

		log.Infof("BrokerAdapter.FlattenAccount: pass %d closing %d positions on account %s", pass, len(dtos), accountID)

		for _, dto := range dtos {
			position, err := mapPositionDTO(accountID, dto)
			if err != nil {
				log.Warnf("BrokerAdapter.FlattenAccount: %v", err)
				continue
			}

			resp, err := a.closeContract(ctx, accountID, dto.ContractID, nil)
			if err != nil {
				results = append(results, &eventmodels.OrderResult{
					Success:  false,
					Symbol:   position.Symbol,
					Side:     position.Side.Opposite(),
					Quantity: position.Quantity,
					Reason:   err.Error(),
				})
				continue
			}

			result := &eventmodels.OrderResult{
				Success:  resp.Success,
				Symbol:   position.Symbol,
				Side:     position.Side.Opposite(),
				Quantity: position.Quantity,
			}

			if !resp.Success {
				result.Reason = resp.errorMessage()
			}

			results = append(results, result)
		}
	}
}

func sideToCode(side eventmodels.Side) int {
	if side == eventmodels.SideShort {
		return orderSideSellCode
	}

	return orderSideBuyCode
}

func (a *BrokerAdapter) PlaceStopOrder(ctx context.Context, accountID string, symbol string, side eventmodels.Side, quantity int, stopPrice decimal.Decimal) (*eventmodels.OrderResult, error) {
	contractID, err := a.GetContractID(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("BrokerAdapter.PlaceStopOrder: %w", err)
	}

	price := stopPrice.InexactFloat64()

	req := placeOrderRequestDTO{
		AccountID:  accountID,
		ContractID: contractID,
		Type:       orderTypeStopCode,
		Side:       sideToCode(side),
		Size:       quantity,
		StopPrice:  &price,
	}

	var resp *placeOrderResponseDTO

	err = utils.Retry(ctx, requestAttempts, requestRetryDelay, func() error {
		var err error
		resp, err = a.client.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("BrokerAdapter.PlaceStopOrder: %w", err)
	}

	if !resp.Success {
		return &eventmodels.OrderResult{
			Success:  false,
			Symbol:   symbol,
			Side:     side,
			Quantity: quantity,
			Reason:   resp.errorMessage(),
		}, nil
	}

	events.Emit(eventmodels.StopOrderPlacedSignal, eventmodels.StopOrderPlacement{
		AccountID: accountID,
		Symbol:    symbol,
		OrderID:   resp.OrderID,
		StopPrice: stopPrice,
	})

	return &eventmodels.OrderResult{
		Success:  true,
		OrderID:  resp.OrderID,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Price:    &stopPrice,
	}, nil
}

func (a *BrokerAdapter) findContract(ctx context.Context, symbol string) (*contractDTO, error) {
	var contracts []contractDTO

	err := utils.Retry(ctx, requestAttempts, requestRetryDelay, func() error {
		var err error
		contracts, err = a.client.SearchContracts(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i := range contracts {
		if contracts[i].Name == symbol {
			return &contracts[i], nil
		}
	}

	if len(contracts) > 0 {
		return &contracts[0], nil
	}

	return nil, eventmodels.NewBrokerError(eventmodels.BrokerErrorInstrument, "findContract", false, fmt.Errorf("%w: %s", eventmodels.ErrSymbolNotFound, symbol))
}

func (a *BrokerAdapter) GetInstrumentTickValue(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contract, err := a.findContract(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("BrokerAdapter.GetInstrumentTickValue: %w", err)
	}

	return decimal.NewFromFloat(contract.TickValue), nil
}

// GetCurrentPrice returns the mid of the current top of book for symbol.
func (a *BrokerAdapter) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contractID, err := a.GetContractID(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("BrokerAdapter.GetCurrentPrice: %w", err)
	}

	var snapshot *quoteSnapshotResponseDTO

	err = utils.Retry(ctx, requestAttempts, requestRetryDelay, func() error {
		var err error
		snapshot, err = a.client.GetQuoteSnapshot(ctx, contractID)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("BrokerAdapter.GetCurrentPrice: %w", err)
	}

	bid := decimal.NewFromFloat(snapshot.Bid)
	ask := decimal.NewFromFloat(snapshot.Ask)

	return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
}

func (a *BrokerAdapter) GetContractID(ctx context.Context, symbol string) (string, error) {
	a.mu.Lock()
	if id, found := a.contractIDs[symbol]; found {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	contract, err := a.findContract(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("BrokerAdapter.GetContractID: %w", err)
	}

	a.mu.Lock()
	a.contractIDs[symbol] = contract.ID
	a.mu.Unlock()

	return contract.ID, nil
}
