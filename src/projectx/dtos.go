package projectx

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawEvent is one frame off the user hub stream before normalization.
// AccountID comes from the subscription the frame arrived on; synthesized
// connection frames leave it empty, meaning all accounts.
type RawEvent struct {
	Channel   string          `json:"channel"`
	AccountID string          `json:"account_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	ChannelFill     = "fill"
	ChannelPosition = "position"
	ChannelQuote    = "quote"
	ChannelStatus   = "status"
	ChannelOrderAck = "order_ack"
)

type FillDTO struct {
	OrderID     string    `json:"order_id"`
	ContractID  string    `json:"contract_id"`
	Side        int       `json:"side"`
	Size        int       `json:"size"`
	FilledPrice float64   `json:"filled_price"`
	FillTime    time.Time `json:"fill_time"`
	AccountID   string    `json:"account_id"`
}

type PositionUpdateDTO struct {
	PositionID      string    `json:"position_id"`
	ContractID      string    `json:"contract_id"`
	Size            int       `json:"size"`
	AveragePrice    float64   `json:"average_price"`
	UpdateTimestamp time.Time `json:"update_timestamp"`
}

type QuoteDTO struct {
	ContractID string    `json:"contract_id"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	LastPrice  float64   `json:"last_price"`
	Timestamp  time.Time `json:"timestamp"`
}

type ConnectionStatusDTO struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SymbolFromContractID extracts the instrument symbol from a fully qualified
// contract id such as CON.F.US.MNQ.U25, whose fourth segment names the
// instrument.
func SymbolFromContractID(contractID string) (string, error) {
	parts := strings.Split(contractID, ".")
	if len(parts) < 4 {
		return "", fmt.Errorf("SymbolFromContractID: malformed contract id: %s", contractID)
	}

	return parts[3], nil
}

type authRequestDTO struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type baseResponseDTO struct {
	Success      bool    `json:"success"`
	ErrorCode    int     `json:"errorCode"`
	ErrorMessage *string `json:"errorMessage"`
}

func (r *baseResponseDTO) errorMessage() string {
	if r.ErrorMessage != nil {
		return *r.ErrorMessage
	}

	return fmt.Sprintf("error code %d", r.ErrorCode)
}

type authResponseDTO struct {
	baseResponseDTO
	Token string `json:"token"`
}

type positionDTO struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	ContractID        string    `json:"contractId"`
	Size              int       `json:"size"`
	AveragePrice      float64   `json:"averagePrice"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
}

type searchPositionsRequestDTO struct {
	AccountID string `json:"accountId"`
}

type searchPositionsResponseDTO struct {
	baseResponseDTO
	Positions []positionDTO `json:"positions"`
}

// Order type and side codes on the request/response surface.
const (
	orderTypeLimitCode  = 1
	orderTypeMarketCode = 2
	orderTypeStopCode   = 4

	orderSideBuyCode  = 0
	orderSideSellCode = 1
)

type orderDTO struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"accountId"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	StopPrice  *float64 `json:"stopPrice"`
}

type searchOrdersRequestDTO struct {
	AccountID string `json:"accountId"`
}

type searchOrdersResponseDTO struct {
	baseResponseDTO
	Orders []orderDTO `json:"orders"`
}

type placeOrderRequestDTO struct {
	AccountID  string   `json:"accountId"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
}

type placeOrderResponseDTO struct {
	baseResponseDTO
	OrderID string `json:"orderId"`
}

type closeContractRequestDTO struct {
	AccountID  string `json:"accountId"`
	ContractID string `json:"contractId"`
	Size       *int   `json:"size,omitempty"`
}

type closeContractResponseDTO struct {
	baseResponseDTO
}

type quoteSnapshotRequestDTO struct {
	ContractID string `json:"contractId"`
}

type quoteSnapshotResponseDTO struct {
	baseResponseDTO
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	LastPrice float64   `json:"lastPrice"`
	Timestamp time.Time `json:"timestamp"`
}

type contractDTO struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	TickSize  float64 `json:"tickSize"`
	TickValue float64 `json:"tickValue"`
}

type searchContractsRequestDTO struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type searchContractsResponseDTO struct {
	baseResponseDTO
	Contracts []contractDTO `json:"contracts"`
}

type searchContractByIDRequestDTO struct {
	ContractID string `json:"contractId"`
}

type searchContractByIDResponseDTO struct {
	baseResponseDTO
	Contract *contractDTO `json:"contract"`
}
