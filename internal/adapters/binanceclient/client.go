package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"tradeCore/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// listenKeyKeepalive must stay under Binance's 60 minute listen key
	// expiry.
	listenKeyKeepalive = 25 * time.Minute
)

// Client implements the ports.BrokerConnection interface using the
// go-binance library. Order, execution and account events arrive over the
// user data stream; market data over per-symbol public streams.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger

	nextOrderID int64 // atomic
	nextReqID   int64 // atomic

	mu           sync.Mutex
	connected    bool
	host         string
	port         int
	clientID     int
	handlers     ports.BrokerHandlers
	listenKey    string
	userStop     chan struct{}
	keepaliveEnd context.CancelFunc
	orderSymbols map[int64]string        // our order id -> symbol, needed for cancels
	streams      map[int64]chan struct{} // request id -> ws stop channel
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance broker connection adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		// Seed from wall clock so client order ids stay unique across
		// restarts.
		nextOrderID:  time.Now().UnixMilli(),
		orderSymbols: make(map[int64]string),
		streams:      make(map[int64]chan struct{}),
	}, nil
}

// SetHandlers registers the application callbacks. Must be called before
// Connect.
func (c *Client) SetHandlers(h ports.BrokerHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect verifies API reachability, synchronizes clocks and opens the
// user data stream. Idempotent when already connected.
func (c *Client) Connect(ctx context.Context, host string, port, clientID int) error {
	op := "Connect"
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.host, c.port, c.clientID = host, port, clientID
	c.mu.Unlock()

	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}

	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	_, stopCh, err := futures.WsUserDataServe(listenKey, c.handleUserData, c.wsErrHandler(op+" user stream"))
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	go c.keepaliveLoop(keepaliveCtx, listenKey)

	c.mu.Lock()
	c.connected = true
	c.listenKey = listenKey
	c.userStop = stopCh
	c.keepaliveEnd = cancel
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"clientID": clientID})
	return nil
}

// Disconnect closes the user data stream and every market data stream.
func (c *Client) Disconnect(ctx context.Context) error {
	op := "Disconnect"
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	listenKey := c.listenKey
	userStop := c.userStop
	keepaliveEnd := c.keepaliveEnd
	streams := c.streams
	c.listenKey = ""
	c.userStop = nil
	c.keepaliveEnd = nil
	c.streams = make(map[int64]chan struct{})
	c.mu.Unlock()

	keepaliveEnd()
	closeStop(userStop)
	for _, stopCh := range streams {
		closeStop(stopCh)
	}

	if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		c.logger.Warn(ctx, op+": closing user stream failed", map[string]interface{}{"error": err.Error()})
	}

	c.logger.Info(ctx, op+" successful", nil)
	return nil
}

// NextOrderID reserves the next order id. The id doubles as the client
// order id on the wire.
func (c *Client) NextOrderID() int64 {
	return atomic.AddInt64(&c.nextOrderID, 1)
}

// Status reports the current connection state.
func (c *Client) Status() ports.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ports.ConnectionStatus{
		Connected:   c.connected,
		Host:        c.host,
		Port:        c.port,
		ClientID:    c.clientID,
		NextOrderID: atomic.LoadInt64(&c.nextOrderID) + 1,
	}
}

func (c *Client) currentHandlers() ports.BrokerHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// keepaliveLoop refreshes the listen key until the session is torn down.
func (c *Client) keepaliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				c.logger.Warn(ctx, "Listen key keepalive failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// wsErrHandler forwards stream errors into the application's Error
// callback and flags the session disconnected on hard failures.
func (c *Client) wsErrHandler(stream string) func(err error) {
	return func(err error) {
		ctx := context.Background()
		c.logger.Warn(ctx, "WebSocket stream error", map[string]interface{}{"stream": stream, "error": err.Error()})
		if isConnectionError(err) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}
		if h := c.currentHandlers(); h.Error != nil {
			h.Error(0, fmt.Sprintf("%s: %v", stream, err))
		}
	}
}

func closeStop(stopCh chan struct{}) {
	if stopCh == nil {
		return
	}
	select {
	case stopCh <- struct{}{}:
	default:
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "websocket: close")
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019, -3005, -3041, -4047: // Margin / balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014, -4015: // Qty / price / leverage out of range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrNotFound
		default:
			// General classification for unmapped API errors
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if isConnectionError(err) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}
