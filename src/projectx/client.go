package projectx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// Client is the request/response half of the broker gateway. It holds the
// session token and re-authenticates once on a 401 before giving up.
type Client struct {
	baseURL    string
	userName   string
	apiKey     string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(baseURL string, userName string, apiKey string) *Client {
	return &Client{
		baseURL:  baseURL,
		userName: userName,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) Authenticate(ctx context.Context) error {
	payload, err := json.Marshal(authRequestDTO{UserName: c.userName, APIKey: c.apiKey})
	if err != nil {
		return fmt.Errorf("Client.Authenticate: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/Auth/loginKey", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("Client.Authenticate: failed to create request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return eventmodels.NewBrokerError(eventmodels.BrokerErrorConnection, "Authenticate", true, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500
		return eventmodels.NewBrokerError(eventmodels.BrokerErrorConnection, "Authenticate", transient, fmt.Errorf("http status %v", resp.Status))
	}

	var dto authResponseDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return fmt.Errorf("Client.Authenticate: failed to decode response: %w", err)
	}

	if !dto.Success {
		return eventmodels.NewBrokerError(eventmodels.BrokerErrorConnection, "Authenticate", false, fmt.Errorf("login rejected: %s", dto.errorMessage()))
	}

	c.mu.Lock()
	c.token = dto.Token
	c.mu.Unlock()

	return nil
}

// ClearSession drops the cached token so the next call re-authenticates.
func (c *Client) ClearSession() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token
}

// Token exposes the current session token for the websocket handshake.
func (c *Client) Token() string {
	return c.currentToken()
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.currentToken() != "" {
		return nil
	}

	return c.Authenticate(ctx)
}

// post sends one authenticated request and decodes the response body into
// out. A 401 triggers a single re-authentication and replay; anything else
// maps straight to a BrokerError of the given kind.
func (c *Client) post(ctx context.Context, op string, kind eventmodels.BrokerErrorKind, path string, body interface{}, out interface{}) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("Client.post: %s: failed to marshal request: %w", op, err)
	}

	reauthed := false

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("Client.post: %s: failed to create request: %w", op, err)
		}

		req.Header.Add("Content-Type", "application/json")
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.currentToken()))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return eventmodels.NewBrokerError(kind, op, true, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			resp.Body.Close()

			if err := c.Authenticate(ctx); err != nil {
				return err
			}

			reauthed = true
			continue
		}

		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			transient := resp.StatusCode >= 500
			return eventmodels.NewBrokerError(kind, op, transient, fmt.Errorf("http status %v", resp.Status))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("Client.post: %s: failed to decode response: %w", op, err)
		}

		return nil
	}
}

func (c *Client) SearchOpenPositions(ctx context.Context, accountID string) ([]positionDTO, error) {
	var dto searchPositionsResponseDTO

	err := c.post(ctx, "SearchOpenPositions", eventmodels.BrokerErrorQuery, "/api/Position/searchOpen", searchPositionsRequestDTO{AccountID: accountID}, &dto)
	if err != nil {
		return nil, err
	}

	if !dto.Success {
		return nil, eventmodels.NewBrokerError(eventmodels.BrokerErrorQuery, "SearchOpenPositions", false, fmt.Errorf("search rejected: %s", dto.errorMessage()))
	}

	return dto.Positions, nil
}

func (c *Client) SearchOpenOrders(ctx context.Context, accountID string) ([]orderDTO, error) {
	var dto searchOrdersResponseDTO

	err := c.post(ctx, "SearchOpenOrders", eventmodels.BrokerErrorQuery, "/api/Order/searchOpen", searchOrdersRequestDTO{AccountID: accountID}, &dto)
	if err != nil {
		return nil, err
	}

	if !dto.Success {
		return nil, eventmodels.NewBrokerError(eventmodels.BrokerErrorQuery, "SearchOpenOrders", false, fmt.Errorf("search rejected: %s", dto.errorMessage()))
	}

	return dto.Orders, nil
}

// CloseContract closes the full position on contractID, or size contracts of
// it when size is non-nil.
func (c *Client) CloseContract(ctx context.Context, accountID string, contractID string, size *int) (*closeContractResponseDTO, error) {
	path := "/api/Position/closeContract"
	if size != nil {
		path = "/api/Position/partialCloseContract"
	}

	var dto closeContractResponseDTO

	req := closeContractRequestDTO{AccountID: accountID, ContractID: contractID, Size: size}
	if err := c.post(ctx, "CloseContract", eventmodels.BrokerErrorOrder, path, req, &dto); err != nil {
		return nil, err
	}

	return &dto, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req placeOrderRequestDTO) (*placeOrderResponseDTO, error) {
	var dto placeOrderResponseDTO

	if err := c.post(ctx, "PlaceOrder", eventmodels.BrokerErrorOrder, "/api/Order/place", req, &dto); err != nil {
		return nil, err
	}

	return &dto, nil
}

// GetQuoteSnapshot fetches the current top of book for one contract. Used
// by pull style callers; the streaming quote channel is the hot path.
func (c *Client) GetQuoteSnapshot(ctx context.Context, contractID string) (*quoteSnapshotResponseDTO, error) {
	var dto quoteSnapshotResponseDTO

	err := c.post(ctx, "GetQuoteSnapshot", eventmodels.BrokerErrorPrice, "/api/Quote/snapshot", quoteSnapshotRequestDTO{ContractID: contractID}, &dto)
	if err != nil {
		return nil, err
	}

	if !dto.Success {
		return nil, eventmodels.NewBrokerError(eventmodels.BrokerErrorPrice, "GetQuoteSnapshot", false, fmt.Errorf("snapshot rejected: %s", dto.errorMessage()))
	}

	return &dto, nil
}

func (c *Client) SearchContracts(ctx context.Context, searchText string) ([]contractDTO, error) {
	var dto searchContractsResponseDTO

	err := c.post(ctx, "SearchContracts", eventmodels.BrokerErrorInstrument, "/api/Contract/search", searchContractsRequestDTO{SearchText: searchText, Live: true}, &dto)
	if err != nil {
		return nil, err
	}

	if !dto.Success {
		return nil, eventmodels.NewBrokerError(eventmodels.BrokerErrorInstrument, "SearchContracts", false, fmt.Errorf("search rejected: %s", dto.errorMessage()))
	}

	return dto.Contracts, nil
}

func (c *Client) GetContractByID(ctx context.Context, contractID string) (*contractDTO, error) {
	var dto searchContractByIDResponseDTO

	err := c.post(ctx, "GetContractByID", eventmodels.BrokerErrorInstrument, "/api/Contract/searchById", searchContractByIDRequestDTO{ContractID: contractID}, &dto)
	if err != nil {
		return nil, err
	}

	if !dto.Success || dto.Contract == nil {
		return nil, eventmodels.NewBrokerError(eventmodels.BrokerErrorInstrument, "GetContractByID", false, fmt.Errorf("%w: %s", eventmodels.ErrSymbolNotFound, contractID))
	}

	return dto.Contract, nil
}
