// Package oanda talks to the OANDA v3 REST API on the fxpractice host only.
// There is no way to point the client at the live trading host.
package oanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

const practiceHost = "https://api-fxpractice.oanda.com"

type Client struct {
	client    *resty.Client
	accountID string
	limiter   *rate.Limiter
}

func New(token, accountID string, cfg store.BrokerConfig) (*Client, error) {
	return newClient(practiceHost, token, accountID, cfg)
}

func newClient(baseURL, token, accountID string, cfg store.BrokerConfig) (*Client, error) {
	if token == "" || accountID == "" {
		return nil, errors.New("OANDA_API_KEY and OANDA_ACCOUNT_ID must be set for PRACTICE mode")
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetAuthToken(token)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept-Datetime-Format", "RFC3339")
	client.SetTimeout(30 * time.Second)

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{client: client, accountID: accountID, limiter: rate.NewLimiter(limit, burst)}, nil
}

type apiError struct {
	Status  int
	Code    string `json:"errorCode"`
	Message string `json:"errorMessage"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("oanda: http %d", e.Status)
	}
	return fmt.Sprintf("oanda: http %d: %s", e.Status, e.Message)
}

func (c *Client) send(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req := c.client.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		ae := &apiError{Status: resp.StatusCode()}
		_ = json.Unmarshal(resp.Body(), ae)
		return ae
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("oanda: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) accountPath(suffix string) string {
	return "/v3/accounts/" + c.accountID + suffix
}

func (c *Client) GetAccount(ctx context.Context) (types.Account, error) {
	var resp struct {
		Account struct {
			ID       string `json:"id"`
			Currency string `json:"currency"`
			Balance  string `json:"balance"`
			NAV      string `json:"NAV"`
		} `json:"account"`
	}
	if err := c.send(ctx, http.MethodGet, c.accountPath(""), nil, nil, &resp); err != nil {
		return types.Account{}, fmt.Errorf("%w: account: %v", types.ErrDataUnavailable, err)
	}
	return types.Account{
		ID:       resp.Account.ID,
		Currency: resp.Account.Currency,
		Balance:  parseNum(resp.Account.Balance),
		NAV:      parseNum(resp.Account.NAV),
	}, nil
}

func (c *Client) Quote(ctx context.Context, instrument string) (types.Quote, error) {
	var resp struct {
		Prices []struct {
			Instrument string `json:"instrument"`
			Time       string `json:"time"`
			Bids       []struct {
				Price string `json:"price"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
			} `json:"asks"`
		} `json:"prices"`
	}
	q := map[string]string{"instruments": instrument}
	if err := c.send(ctx, http.MethodGet, c.accountPath("/pricing"), q, nil, &resp); err != nil {
		return types.Quote{}, fmt.Errorf("%w: pricing %s: %v", types.ErrDataUnavailable, instrument, err)
	}
	if len(resp.Prices) == 0 || len(resp.Prices[0].Bids) == 0 || len(resp.Prices[0].Asks) == 0 {
		return types.Quote{}, fmt.Errorf("%w: no price for %s", types.ErrDataUnavailable, instrument)
	}
	p := resp.Prices[0]
	ts, _ := time.Parse(time.RFC3339Nano, p.Time)
	return types.Quote{
		Instrument: instrument,
		Bid:        parseNum(p.Bids[0].Price),
		Ask:        parseNum(p.Asks[0].Price),
		Time:       ts,
	}, nil
}

// Candles returns completed mid-price candles, oldest first.
func (c *Client) Candles(ctx context.Context, instrument, granularity string, count int) ([]types.Candle, error) {
	var resp struct {
		Candles []struct {
			Complete bool   `json:"complete"`
			Volume   int64  `json:"volume"`
			Time     string `json:"time"`
			Mid      struct {
				O string `json:"o"`
				H string `json:"h"`
				L string `json:"l"`
				C string `json:"c"`
			} `json:"mid"`
		} `json:"candles"`
	}
	q := map[string]string{
		"granularity": granularity,
		"count":       strconv.Itoa(count),
		"price":       "M",
	}
	if err := c.send(ctx, http.MethodGet, "/v3/instruments/"+instrument+"/candles", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: candles %s: %v", types.ErrDataUnavailable, instrument, err)
	}
	out := make([]types.Candle, 0, len(resp.Candles))
	for _, k := range resp.Candles {
		if !k.Complete {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, k.Time)
		out = append(out, types.Candle{
			Ts:    ts.Unix(),
			Open:  parseNum(k.Mid.O),
			High:  parseNum(k.Mid.H),
			Low:   parseNum(k.Mid.L),
			Close: parseNum(k.Mid.C),
			Vol:   float64(k.Volume),
		})
	}
	return out, nil
}

type priceDetails struct {
	Price string `json:"price"`
}

type orderBody struct {
	Order struct {
		Type             string            `json:"type"`
		Instrument       string            `json:"instrument"`
		Units            string            `json:"units"`
		TimeInForce      string            `json:"timeInForce"`
		PositionFill     string            `json:"positionFill"`
		StopLossOnFill   *priceDetails     `json:"stopLossOnFill,omitempty"`
		TakeProfitOnFill *priceDetails     `json:"takeProfitOnFill,omitempty"`
		ClientExtensions map[string]string `json:"tradeClientExtensions,omitempty"`
	} `json:"order"`
}

func (c *Client) OpenPosition(ctx context.Context, req types.OrderRequest) (types.PositionHandle, error) {
	units := req.Units
	if req.Direction == types.Short {
		units = -units
	}
	var body orderBody
	body.Order.Type = "MARKET"
	body.Order.Instrument = req.Instrument
	body.Order.Units = strconv.FormatInt(units, 10)
	body.Order.TimeInForce = "FOK"
	body.Order.PositionFill = "DEFAULT"
	if req.StopLoss > 0 {
		body.Order.StopLossOnFill = &priceDetails{Price: formatPrice(req.Instrument, req.StopLoss)}
	}
	if req.TakeProfit > 0 {
		body.Order.TakeProfitOnFill = &priceDetails{Price: formatPrice(req.Instrument, req.TakeProfit)}
	}
	if req.ClientTag != "" {
		body.Order.ClientExtensions = map[string]string{"tag": req.ClientTag}
	}

	var resp struct {
		OrderFill *struct {
			ID          string `json:"id"`
			Time        string `json:"time"`
			Price       string `json:"price"`
			TradeOpened *struct {
				TradeID string `json:"tradeID"`
				Units   string `json:"units"`
				Price   string `json:"price"`
			} `json:"tradeOpened"`
		} `json:"orderFillTransaction"`
		OrderCancel *struct {
			Reason string `json:"reason"`
		} `json:"orderCancelTransaction"`
	}
	if err := c.send(ctx, http.MethodPost, c.accountPath("/orders"), nil, body, &resp); err != nil {
		return types.PositionHandle{}, fmt.Errorf("%w: %w", types.ErrBrokerRejected, err)
	}
	if resp.OrderFill == nil || resp.OrderFill.TradeOpened == nil {
		reason := "order not filled"
		if resp.OrderCancel != nil && resp.OrderCancel.Reason != "" {
			reason = resp.OrderCancel.Reason
		}
		return types.PositionHandle{}, fmt.Errorf("%w: %s", types.ErrBrokerRejected, reason)
	}

	fill := resp.OrderFill
	ts, _ := time.Parse(time.RFC3339Nano, fill.Time)
	opened, _ := strconv.ParseInt(fill.TradeOpened.Units, 10, 64)
	price := parseNum(fill.TradeOpened.Price)
	if price == 0 {
		price = parseNum(fill.Price)
	}
	return types.PositionHandle{
		ID:         fill.TradeOpened.TradeID,
		Instrument: req.Instrument,
		Units:      opened,
		Price:      price,
		OpenedAt:   ts,
	}, nil
}

// ClosePosition closes a trade by id. A 404 means the trade no longer exists
// and is reported as unrecoverable.
func (c *Client) ClosePosition(ctx context.Context, id string) (types.CloseResult, error) {
	var resp struct {
		OrderFill *struct {
			ID    string `json:"id"`
			Time  string `json:"time"`
			Price string `json:"price"`
			PL    string `json:"pl"`
		} `json:"orderFillTransaction"`
	}
	err := c.send(ctx, http.MethodPut, c.accountPath("/trades/"+id+"/close"), nil, map[string]string{"units": "ALL"}, &resp)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return types.CloseResult{}, fmt.Errorf("%w: %w: trade %s", types.ErrUnrecoverable, types.ErrBrokerRejected, id)
		}
		return types.CloseResult{}, fmt.Errorf("%w: %w", types.ErrBrokerRejected, err)
	}
	if resp.OrderFill == nil {
		return types.CloseResult{}, fmt.Errorf("%w: close of %s not filled", types.ErrBrokerRejected, id)
	}
	ts, _ := time.Parse(time.RFC3339Nano, resp.OrderFill.Time)
	return types.CloseResult{
		ID:          id,
		Price:       parseNum(resp.OrderFill.Price),
		RealizedPnL: parseNum(resp.OrderFill.PL),
		ClosedAt:    ts,
	}, nil
}

func (c *Client) ListPositions(ctx context.Context) ([]types.PositionHandle, error) {
	var resp struct {
		Trades []struct {
			ID           string `json:"id"`
			Instrument   string `json:"instrument"`
			CurrentUnits string `json:"currentUnits"`
			Price        string `json:"price"`
			OpenTime     string `json:"openTime"`
			UnrealizedPL string `json:"unrealizedPL"`
		} `json:"trades"`
	}
	if err := c.send(ctx, http.MethodGet, c.accountPath("/openTrades"), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: open trades: %v", types.ErrDataUnavailable, err)
	}
	out := make([]types.PositionHandle, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		units, _ := strconv.ParseInt(t.CurrentUnits, 10, 64)
		ts, _ := time.Parse(time.RFC3339Nano, t.OpenTime)
		out = append(out, types.PositionHandle{
			ID:            t.ID,
			Instrument:    t.Instrument,
			Units:         units,
			Price:         parseNum(t.Price),
			OpenedAt:      ts,
			UnrealizedPnL: parseNum(t.UnrealizedPL),
		})
	}
	return out, nil
}

func parseNum(s string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// formatPrice renders a price with the instrument's display precision.
func formatPrice(instrument string, price float64) string {
	places := int32(5)
	if strings.HasSuffix(instrument, "JPY") {
		places = 3
	}
	return decimal.NewFromFloat(price).StringFixed(places)
}
