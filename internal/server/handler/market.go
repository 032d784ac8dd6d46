package handler

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/nbd-wtf/go-nostr"

	"github.com/alanyoungcy/nostrmarket/internal/claim"
	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// MarketService is the service surface the market routes need.
type MarketService interface {
	Create(ctx context.Context, p market.Params) (market.Snapshot, error)
	Get(ctx context.Context, id string) (market.Snapshot, error)
	List(ctx context.Context, opts domain.ListOpts) ([]market.Snapshot, error)
	PlaceBet(ctx context.Context, id string, bet market.Bet) (market.Snapshot, error)
	Settle(ctx context.Context, id string, att market.Attestation, o market.Outcome) (market.Snapshot, error)
	Payouts(ctx context.Context, id string) ([]market.BetPayout, error)
	ClaimTx(ctx context.Context, id string, funding wire.OutPoint, feePerOutput int64) (*wire.MsgTx, []claim.Output, error)
	AuditLog(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger.With(slog.String("handler", "market"))}
}

type listMarketsResponse struct {
	Markets []market.Snapshot `json:"markets"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// ListMarkets GET /api/markets?limit=&offset=&settled=&since=&until=
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	snaps, err := h.markets.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if snaps == nil {
		snaps = []market.Snapshot{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: snaps, Limit: opts.Limit, Offset: opts.Offset})
}

// CreateMarket POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var p market.Params
	if err := decodeJSON(w, r, &p); err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	snap, err := h.markets.Create(r.Context(), p)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	w.Header().Set("Location", "/api/markets/"+snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

// GetMarket GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.markets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type betRequest struct {
	Outcome       string            `json:"outcome"`
	Amount        uint64            `json:"amount"`
	PayoutAddress string            `json:"payout_address"`
	Funding       market.FundingRef `json:"funding"`
}

// PlaceBet POST /api/markets/{id}/bets
func (h *MarketHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req betRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	o, err := market.ParseOutcome(req.Outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	snap, err := h.markets.PlaceBet(r.Context(), r.PathValue("id"), market.Bet{
		Outcome:       o,
		Amount:        req.Amount,
		PayoutAddress: req.PayoutAddress,
		Funding:       req.Funding,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

type settleRequest struct {
	Outcome string      `json:"outcome"`
	Event   nostr.Event `json:"event"`
}

// Settle POST /api/markets/{id}/settle
func (h *MarketHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	att := market.NewAttestation(req.Event)
	raw := req.Outcome
	if raw == "" {
		raw = att.Tag(market.TagOutcome)
	}
	o, err := market.ParseOutcome(raw)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	snap, err := h.markets.Settle(r.Context(), r.PathValue("id"), att, o)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Payouts GET /api/markets/{id}/payouts
func (h *MarketHandler) Payouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.markets.Payouts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": payouts})
}

type claimResponse struct {
	TxID    string         `json:"txid"`
	TxHex   string         `json:"tx_hex"`
	Outputs []claim.Output `json:"outputs"`
}

// Claim GET /api/markets/{id}/claim?funding=txid:vout&fee=546
func (h *MarketHandler) Claim(w http.ResponseWriter, r *http.Request) {
	funding, err := parseOutPoint(r.URL.Query().Get("funding"))
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	fee := claim.DefaultFeePerOutput
	if v := r.URL.Query().Get("fee"); v != "" {
		fee, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeServiceError(w, r, h.logger, "claim", fmt.Errorf("fee: %w", market.ErrInvalidAmount))
			return
		}
	}

	tx, plan, err := h.markets.ClaimTx(r.Context(), r.PathValue("id"), funding, fee)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		TxID:    tx.TxHash().String(),
		TxHex:   hex.EncodeToString(buf.Bytes()),
		Outputs: plan,
	})
}

// Audit GET /api/markets/{id}/audit
func (h *MarketHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.markets.AuditLog(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "audit log", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// parseOutPoint reads "txid:vout".
func parseOutPoint(s string) (wire.OutPoint, error) {
	txid, vout, ok := strings.Cut(s, ":")
	if !ok {
		return wire.OutPoint{}, fmt.Errorf("funding outpoint %q: want txid:vout: %w", s, market.ErrInvalidInput)
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil || len(txid) != chainhash.MaxHashStringSize {
		return wire.OutPoint{}, fmt.Errorf("funding txid %q: %w", txid, market.ErrInvalidInput)
	}
	index, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("funding vout %q: %w", vout, market.ErrInvalidInput)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(index)}, nil
}
