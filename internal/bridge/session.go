package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"order-ladder-bot-go/internal/bracket"
	"order-ladder-bot-go/internal/session"

	"go.uber.org/zap"
)

const releaseTimeout = 15 * time.Second

// remoteSession is one sidecar browser session.
type remoteSession struct {
	client  *Client
	id      string
	profile string
}

var _ session.Session = (*remoteSession)(nil)

func (s *remoteSession) path(suffix string) string {
	return "/sessions/" + url.PathEscape(s.id) + suffix
}

type rowsResponse struct {
	Rows []session.Row `json:"rows"`
}

func (s *remoteSession) FetchOrderRows(ctx context.Context) ([]session.Row, error) {
	req := s.client.newRequest(ctx).SetResult(&rowsResponse{})

	resp, err := s.client.doRequest(ctx, http.MethodGet, s.path("/orders"), req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order rows: %w", err)
	}
	return resp.Result().(*rowsResponse).Rows, nil
}

type deleteResponse struct {
	Result session.DeleteResult `json:"result"`
}

func (s *remoteSession) DeleteRowAt(ctx context.Context, position int) (session.DeleteResult, error) {
	req := s.client.newRequest(ctx).SetResult(&deleteResponse{})

	resp, err := s.client.doRequest(ctx, http.MethodPost, s.path("/orders/"+strconv.Itoa(position)+"/delete"), req)
	if err != nil {
		return "", fmt.Errorf("failed to delete row %d: %w", position, err)
	}

	result := resp.Result().(*deleteResponse).Result
	switch result {
	case session.Deleted, session.NotFound, session.NotClickable:
		return result, nil
	default:
		return "", fmt.Errorf("%w: unexpected delete result %q", session.ErrExternalCall, result)
	}
}

type submitRequest struct {
	Token      string       `json:"token"`
	Slot       int          `json:"slot"`
	Kind       bracket.Kind `json:"kind"`
	EntryPrice float64      `json:"entry_price"`
	TakeProfit float64      `json:"take_profit"`
	StopLoss   float64      `json:"stop_loss"`
	Amount     string       `json:"amount"`
}

type submitResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func (s *remoteSession) SubmitOrder(ctx context.Context, token string, plan bracket.OrderPlan) error {
	body := submitRequest{
		Token:      token,
		Slot:       plan.Slot,
		Kind:       plan.Kind,
		EntryPrice: plan.Entry,
		TakeProfit: plan.TakeProfit,
		StopLoss:   plan.StopLoss,
		Amount:     plan.Amount.String(),
	}
	req := s.client.newRequest(ctx).SetBody(body).SetResult(&submitResponse{})

	resp, err := s.client.doRequest(ctx, http.MethodPost, s.path("/orders"), req)
	if err != nil {
		return fmt.Errorf("failed to submit order: %w", err)
	}

	result := resp.Result().(*submitResponse)
	if !result.OK {
		return fmt.Errorf("%w: order rejected: %s", session.ErrExternalCall, result.Reason)
	}
	s.client.logger.Info("Order submitted",
		zap.String("profile", s.profile),
		zap.String("token", token),
		zap.Int("slot", plan.Slot),
		zap.String("kind", string(plan.Kind)),
	)
	return nil
}

type marketCapResponse struct {
	MarketCap *float64 `json:"market_cap"`
}

func (s *remoteSession) FetchMarketCap(ctx context.Context, token string) (float64, error) {
	req := s.client.newRequest(ctx).
		SetQueryParam("token", token).
		SetResult(&marketCapResponse{})

	resp, err := s.client.doRequest(ctx, http.MethodGet, s.path("/market-cap"), req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch market cap for %s: %w", token, err)
	}

	mc := resp.Result().(*marketCapResponse).MarketCap
	if mc == nil || *mc <= 0 {
		return 0, session.ErrMarketCapUnavailable
	}
	return *mc, nil
}

// Release closes the sidecar session. It does not take the run context so
// that a cancelled run still frees the browser.
func (s *remoteSession) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := s.client.doRequest(ctx, http.MethodDelete, s.path(""), s.client.newRequest(ctx)); err != nil {
		return fmt.Errorf("failed to release session %s: %w", s.id, err)
	}
	return nil
}
