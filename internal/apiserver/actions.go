package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coldbell/dex/bundler/internal/accounts"
	"github.com/coldbell/dex/bundler/internal/actions"
	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/dex"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/serum"
	"github.com/coldbell/dex/bundler/internal/wrapped"
	"github.com/gagliardetto/solana-go"
)

const maxRequestBodyBytes = 64 << 10

type requestError struct {
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(format string, args ...any) error {
	return &requestError{message: fmt.Sprintf(format, args...)}
}

func parseKey(field, raw string) (solana.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return solana.PublicKey{}, badRequest("%s is required", field)
	}
	return parseOptionalKey(field, raw)
}

// parseOptionalKey maps an empty field to the zero key.
func parseOptionalKey(field, raw string) (solana.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return solana.PublicKey{}, nil
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, badRequest("invalid %s: %v", field, err)
	}
	return key, nil
}

func checkAmount(field string, value float64) error {
	if value <= 0 {
		return badRequest("%s must be positive", field)
	}
	return nil
}

type depositRequest struct {
	Owner       string  `json:"owner"`
	Mint        string  `json:"mint"`
	Quantity    float64 `json:"quantity"`
	Destination string  `json:"destination"`
}

func (req depositRequest) params() (actions.DepositParams, error) {
	var (
		p   actions.DepositParams
		err error
	)
	if p.Owner, err = parseKey("owner", req.Owner); err != nil {
		return p, err
	}
	if p.Mint, err = parseKey("mint", req.Mint); err != nil {
		return p, err
	}
	if p.Destination, err = parseOptionalKey("destination", req.Destination); err != nil {
		return p, err
	}
	p.Quantity = req.Quantity
	return p, checkAmount("quantity", req.Quantity)
}

type withdrawRequest struct {
	Owner         string  `json:"owner"`
	Mint          string  `json:"mint"`
	Quantity      float64 `json:"quantity"`
	MarginAccount string  `json:"margin_account"`
	IsBorrow      bool    `json:"is_borrow"`
}

func (req withdrawRequest) params() (actions.WithdrawParams, error) {
	var (
		p   actions.WithdrawParams
		err error
	)
	if p.Owner, err = parseKey("owner", req.Owner); err != nil {
		return p, err
	}
	if p.Mint, err = parseKey("mint", req.Mint); err != nil {
		return p, err
	}
	if p.MarginAccount, err = parseOptionalKey("margin_account", req.MarginAccount); err != nil {
		return p, err
	}
	p.Quantity = req.Quantity
	p.IsBorrow = req.IsBorrow
	return p, checkAmount("quantity", req.Quantity)
}

type placeOrderRequest struct {
	Owner         string  `json:"owner"`
	Market        string  `json:"market"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	OrderType     string  `json:"order_type"`
	ClientID      uint64  `json:"client_id"`
	ReduceOnly    bool    `json:"reduce_only"`
	MarginAccount string  `json:"margin_account"`
}

func (req placeOrderRequest) params() (actions.PlaceOrderParams, error) {
	var (
		p   actions.PlaceOrderParams
		err error
	)
	if p.Owner, err = parseKey("owner", req.Owner); err != nil {
		return p, err
	}
	if p.Market, err = parseKey("market", req.Market); err != nil {
		return p, err
	}
	if p.MarginAccount, err = parseOptionalKey("margin_account", req.MarginAccount); err != nil {
		return p, err
	}
	if p.Side, err = dex.ParseSide(req.Side); err != nil {
		return p, badRequest("%v", err)
	}
	if p.OrderType, err = dex.ParseOrderType(req.OrderType); err != nil {
		return p, badRequest("%v", err)
	}
	if err := checkAmount("price", req.Price); err != nil {
		return p, err
	}
	if err := checkAmount("size", req.Size); err != nil {
		return p, err
	}
	p.Price = req.Price
	p.Size = req.Size
	p.ClientID = req.ClientID
	p.ReduceOnly = req.ReduceOnly
	return p, nil
}

type cancelOrderRequest struct {
	Owner         string `json:"owner"`
	Market        string `json:"market"`
	OrderID       string `json:"order_id"`
	MarginAccount string `json:"margin_account"`
}

func (req cancelOrderRequest) params() (actions.CancelOrderParams, error) {
	var (
		p   actions.CancelOrderParams
		err error
	)
	if p.Owner, err = parseKey("owner", req.Owner); err != nil {
		return p, err
	}
	if p.Market, err = parseKey("market", req.Market); err != nil {
		return p, err
	}
	if p.MarginAccount, err = parseOptionalKey("margin_account", req.MarginAccount); err != nil {
		return p, err
	}
	if strings.TrimSpace(req.OrderID) != "" {
		id, err := dex.ParseOrderID(req.OrderID)
		if err != nil {
			return p, badRequest("%v", err)
		}
		p.OrderID = &id
	}
	return p, nil
}

type settleRequest struct {
	Owner         string `json:"owner"`
	Market        string `json:"market"`
	MarginAccount string `json:"margin_account"`
	Counterparty  string `json:"counterparty"`
}

func (req settleRequest) params() (actions.SettleParams, error) {
	var (
		p   actions.SettleParams
		err error
	)
	if p.Owner, err = parseKey("owner", req.Owner); err != nil {
		return p, err
	}
	if p.Market, err = parseKey("market", req.Market); err != nil {
		return p, err
	}
	if p.MarginAccount, err = parseOptionalKey("margin_account", req.MarginAccount); err != nil {
		return p, err
	}
	if p.Counterparty, err = parseOptionalKey("counterparty", req.Counterparty); err != nil {
		return p, err
	}
	return p, nil
}

type initMarketRequest struct {
	Owner              string  `json:"owner"`
	BaseMint           string  `json:"base_mint"`
	QuoteMint          string  `json:"quote_mint"`
	LotSize            float64 `json:"lot_size"`
	TickSize           float64 `json:"tick_size"`
	FeeRateBps         uint16  `json:"fee_rate_bps"`
	QuoteDustThreshold uint64  `json:"quote_dust_threshold"`
}

func (req initMarketRequest) params() (actions.InitMarketParams, error) {
	var (
		p   actions.InitMarketParams
		err error
	)
	if p.Owner, err = parseKey("owner", req.Owner); err != nil {
		return p, err
	}
	if p.BaseMint, err = parseKey("base_mint", req.BaseMint); err != nil {
		return p, err
	}
	if p.QuoteMint, err = parseKey("quote_mint", req.QuoteMint); err != nil {
		return p, err
	}
	if err := checkAmount("lot_size", req.LotSize); err != nil {
		return p, err
	}
	if err := checkAmount("tick_size", req.TickSize); err != nil {
		return p, err
	}
	p.LotSize = req.LotSize
	p.TickSize = req.TickSize
	p.FeeRateBps = req.FeeRateBps
	p.QuoteDustThreshold = req.QuoteDustThreshold
	return p, nil
}

type paramsRequest[P any] interface {
	params() (P, error)
}

// serveAction decodes R, converts it to action params and writes the
// composed bundles.
func serveAction[R paramsRequest[P], P any](s *Service, w http.ResponseWriter, r *http.Request, call func(context.Context, P) ([]bundle.Bundle, error)) {
	var req R
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	params, err := req.params()
	if err != nil {
		s.respondActionError(w, err)
		return
	}

	bundles, err := call(r.Context(), params)
	if err != nil {
		s.respondActionError(w, err)
		return
	}

	payload, err := encodeBundles(bundles)
	if err != nil {
		s.logger.Error("failed to encode bundles", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to encode bundles")
		return
	}
	s.respondJSON(w, http.StatusOK, bundlesResponse{Bundles: payload})
}

func (s *Service) marketKind(w http.ResponseWriter, r *http.Request) (actions.MarketKind, bool) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return "", false
	}
	kind, err := actions.ParseMarketKind(r.PathValue("kind"))
	if err != nil {
		s.respondActionError(w, err)
		return "", false
	}
	return kind, true
}

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.marketKind(w, r)
	if !ok {
		return
	}
	serveAction[depositRequest](s, w, r, func(ctx context.Context, p actions.DepositParams) ([]bundle.Bundle, error) {
		return s.actions.Deposit(ctx, kind, p)
	})
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.marketKind(w, r)
	if !ok {
		return
	}
	serveAction[withdrawRequest](s, w, r, func(ctx context.Context, p actions.WithdrawParams) ([]bundle.Bundle, error) {
		return s.actions.Withdraw(ctx, kind, p)
	})
}

func (s *Service) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.marketKind(w, r)
	if !ok {
		return
	}
	serveAction[placeOrderRequest](s, w, r, func(ctx context.Context, p actions.PlaceOrderParams) ([]bundle.Bundle, error) {
		return s.actions.PlaceOrder(ctx, kind, p)
	})
}

func (s *Service) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.marketKind(w, r)
	if !ok {
		return
	}
	serveAction[cancelOrderRequest](s, w, r, func(ctx context.Context, p actions.CancelOrderParams) ([]bundle.Bundle, error) {
		return s.actions.CancelOrder(ctx, kind, p)
	})
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.marketKind(w, r)
	if !ok {
		return
	}
	serveAction[settleRequest](s, w, r, func(ctx context.Context, p actions.SettleParams) ([]bundle.Bundle, error) {
		return s.actions.Settle(ctx, kind, p)
	})
}

func (s *Service) handleInitMarket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	serveAction[initMarketRequest](s, w, r, s.actions.InitMarket)
}

var badRequestErrors = []error{
	actions.ErrMissingDestination,
	actions.ErrMissingMarginAccount,
	actions.ErrMissingCounterparty,
	actions.ErrUnknownAsset,
	mango.ErrInvalidLots,
	mango.ErrMarketNotListed,
	serum.ErrInvalidMarket,
	serum.ErrInvalidLotSize,
	wrapped.ErrInvalidQuantity,
}

func statusFor(err error) int {
	var (
		reqErr     *requestError
		resolution *accounts.ResolutionError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.As(err, &resolution):
		return http.StatusBadGateway
	case errors.Is(err, actions.ErrOwnershipMismatch):
		return http.StatusForbidden
	case errors.Is(err, actions.ErrUnsupportedAction), errors.Is(err, chain.ErrAccountNotFound):
		return http.StatusNotFound
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func (s *Service) respondActionError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	switch {
	case code == http.StatusInternalServerError:
		s.logger.Error("action failed", "err", err)
		s.respondError(w, code, "failed to compose action")
		return
	case code >= http.StatusInternalServerError:
		s.logger.Warn("action failed upstream", "status", code, "err", err)
	}
	s.respondError(w, code, err.Error())
}

type bundlesResponse struct {
	Bundles []bundlePayload `json:"bundles"`
}

type bundlePayload struct {
	Instructions []instructionPayload `json:"instructions"`
	Signers      []signerPayload      `json:"signers"`
}

type instructionPayload struct {
	ProgramID string               `json:"program_id"`
	Accounts  []accountMetaPayload `json:"accounts"`
	Data      string               `json:"data"`
}

type accountMetaPayload struct {
	PublicKey  string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// signerPayload carries a secret key only for keys generated in-process;
// the wallet owner signs on the client.
type signerPayload struct {
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key,omitempty"`
}

func encodeBundles(bundles []bundle.Bundle) ([]bundlePayload, error) {
	out := make([]bundlePayload, len(bundles))
	for i, b := range bundles {
		payload := bundlePayload{
			Instructions: make([]instructionPayload, len(b.Instructions)),
			Signers:      make([]signerPayload, len(b.Signers)),
		}
		for j, ix := range b.Instructions {
			data, err := ix.Data()
			if err != nil {
				return nil, fmt.Errorf("encode instruction %d of bundle %d: %w", j, i, err)
			}
			metas := ix.Accounts()
			accountsPayload := make([]accountMetaPayload, len(metas))
			for k, meta := range metas {
				accountsPayload[k] = accountMetaPayload{
					PublicKey:  meta.PublicKey.String(),
					IsSigner:   meta.IsSigner,
					IsWritable: meta.IsWritable,
				}
			}
			payload.Instructions[j] = instructionPayload{
				ProgramID: ix.ProgramID().String(),
				Accounts:  accountsPayload,
				Data:      base64.StdEncoding.EncodeToString(data),
			}
		}
		for j, signer := range b.Signers {
			sp := signerPayload{PublicKey: signer.PublicKey.String()}
			if signer.HasKey() {
				sp.SecretKey = signer.PrivateKey.String()
			}
			payload.Signers[j] = sp
		}
		out[i] = payload
	}
	return out, nil
}
