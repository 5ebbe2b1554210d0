package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"omes/internal/core"
	"omes/internal/obs"
	"omes/internal/ops"
	"omes/internal/order"
	"omes/internal/schema"
	"omes/pkg/exception"
)

const (
	defaultRequestTimeout = 5 * time.Second
	maxBodyBytes          = 1 << 16
)

// Service is the part of the order management service the API drives.
type Service interface {
	Submit(core.Request) error
	Command(core.Command) error
	State() schema.LifecycleState
	View() core.View
	Metrics() *obs.Metrics
}

// Server exposes the service requests over HTTP. Every handler submits one
// request and waits for its terminal completion.
type Server struct {
	svc      Service
	registry *schema.Registry
	router   *mux.Router
	cfg      ops.APIConfig
	keys     atomic.Int32
}

// NewServer creates the HTTP surface of svc.
func NewServer(svc Service, registry *schema.Registry, cfg ops.APIConfig) *Server {
	if registry == nil {
		registry = schema.NewRegistry()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		svc:      svc,
		registry: registry,
		router:   mux.NewRouter(),
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleNewOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.handleGetOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{ordSid:[0-9]+}", s.handleCancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{ordSid:[0-9]+}", s.handleAmendOrder).Methods(http.MethodPatch)

	api.HandleFunc("/purchasing-power", s.handleUpdatePurchasingPower).Methods(http.MethodPut)
	api.HandleFunc("/commands/evaluate-state", s.handleEvaluateState).Methods(http.MethodPost)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logs.Infof("api server starting on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown api server")
		}
		return nil
	}
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	var body OrderRequest
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.newOrder(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, exception.ErrRequestInvalid, err.Error())
		return
	}
	s.execute(w, r, core.Request{Type: core.RequestNewOrder, NewOrder: payload, NoRetry: body.NoRetry})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	ordSid, ok := pathOrdSid(w, r)
	if !ok {
		return
	}
	s.execute(w, r, core.Request{Type: core.RequestCancelOrder, Cancel: order.CancelOrder{OrigOrdSid: ordSid}})
}

func (s *Server) handleAmendOrder(w http.ResponseWriter, r *http.Request) {
	ordSid, ok := pathOrdSid(w, r)
	if !ok {
		return
	}
	var body AmendRequest
	if !decodeBody(w, r, &body) {
		return
	}
	amend := order.AmendOrder{OrigOrdSid: ordSid, Quantity: schema.Quantity(body.Quantity)}
	if body.Price != "" {
		if body.SecSid <= 0 {
			respondError(w, http.StatusBadRequest, exception.ErrRequestInvalid, "secSid is required with a price")
			return
		}
		price, err := s.registry.ParsePrice(schema.SecSid(body.SecSid), body.Price)
		if err != nil {
			respondError(w, http.StatusBadRequest, exception.ErrRequestInvalid, err.Error())
			return
		}
		amend.LimitPrice = price
	}
	s.execute(w, r, core.Request{Type: core.RequestAmendOrder, Amend: amend})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	snap := &collector{}
	c, err := s.submit(r.Context(), core.Request{Type: core.RequestGet, Subscriber: snap})
	if err != nil {
		s.respondSubmitError(w, err)
		return
	}
	if c.Type != schema.CompletionOK {
		respondJSON(w, completionStatus(c), completionResponse(c))
		return
	}

	resp := OrdersResponse{Orders: []OrderView{}, Trades: []TradeView{}}
	for _, u := range snap.updates {
		switch u.Kind {
		case order.UpdateOrderSnapshot:
			resp.Orders = append(resp.Orders, s.orderView(u.Order))
		case order.UpdateTradeSnapshot:
			resp.Trades = append(resp.Trades, s.tradeView(u.Trade))
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdatePurchasingPower(w http.ResponseWriter, r *http.Request) {
	var body PurchasingPowerRequest
	if !decodeBody(w, r, &body) {
		return
	}
	pp, err := decimal.NewFromString(body.PurchasingPower)
	if err != nil {
		respondError(w, http.StatusBadRequest, exception.ErrRequestInvalid, "purchasing power must be a decimal")
		return
	}
	s.execute(w, r, core.Request{Type: core.RequestUpdate, PurchasingPower: pp})
}

func (s *Server) handleEvaluateState(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.Command(core.CommandEvaluateState); err != nil {
		respondError(w, http.StatusServiceUnavailable, exception.ErrRequestNotQueued, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, StateResponse{State: s.svc.State().String()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	view := s.svc.View()
	respondJSON(w, http.StatusOK, MetricsResponse{
		State:               s.svc.State().String(),
		PurchasingPower:     FormatPurchasingPower(view.PurchasingPower),
		OutstandingRequests: view.OutstandingRequests,
		LatestOrdSid:        int32(view.LatestOrdSid),
		LatestTradeSid:      int32(view.LatestTradeSid),
		Metrics:             s.svc.Metrics().Snapshot(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, StateResponse{State: s.svc.State().String()})
}

// execute submits req and writes its terminal completion.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, req core.Request) {
	c, err := s.submit(r.Context(), req)
	if err != nil {
		s.respondSubmitError(w, err)
		return
	}
	respondJSON(w, completionStatus(c), completionResponse(c))
}

// submit sends req and waits for its terminal completion. The ordSid of an
// ACCEPTED completion is carried over to the returned one. The error is
// ErrRequestNotQueued or ErrRequestTimeout.
func (s *Server) submit(ctx context.Context, req core.Request) (order.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	owner := newWaiter()
	req.ClientKey = schema.ClientKey(s.keys.Add(1))
	req.Owner = owner
	if err := s.svc.Submit(req); err != nil {
		logs.Errorf("api submit %s, err: %+v", req.Type, err)
		return order.Completion{}, exception.ErrRequestNotQueued
	}

	var ordSid schema.OrdSid
	for {
		select {
		case c := <-owner.ch:
			if c.Type == schema.CompletionAccepted {
				ordSid = c.OrdSid
				continue
			}
			if c.OrdSid == 0 {
				c.OrdSid = ordSid
			}
			return c, nil
		case <-ctx.Done():
			logs.Errorf("api %s timed out, client key: %d, ord sid: %d", req.Type, req.ClientKey, ordSid)
			return order.Completion{}, exception.ErrRequestTimeout
		}
	}
}

func (s *Server) respondSubmitError(w http.ResponseWriter, err error) {
	if err == exception.ErrRequestTimeout {
		respondError(w, http.StatusGatewayTimeout, err, "")
		return
	}
	respondError(w, http.StatusServiceUnavailable, err, "")
}

func (s *Server) newOrder(body OrderRequest) (order.NewOrder, error) {
	sid := schema.SecSid(body.SecSid)
	if body.Code != "" {
		found, ok := s.registry.SidByCode(body.Code)
		if !ok {
			return order.NewOrder{}, errors.Errorf("unknown security code %q", body.Code)
		}
		sid = found
	}
	if sid <= 0 {
		return order.NewOrder{}, errors.New("secSid or code is required")
	}

	side, ok := sides[strings.ToUpper(body.Side)]
	if !ok {
		return order.NewOrder{}, errors.Errorf("unknown side %q", body.Side)
	}
	typ, ok := orderTypes[strings.ToUpper(body.Type)]
	if !ok {
		return order.NewOrder{}, errors.Errorf("unknown order type %q", body.Type)
	}
	tif, ok := timeInForces[strings.ToUpper(body.TimeInForce)]
	if !ok {
		return order.NewOrder{}, errors.Errorf("unknown time in force %q", body.TimeInForce)
	}

	n := order.NewOrder{
		SecSid:      sid,
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		Quantity:    schema.Quantity(body.Quantity),
	}
	var err error
	if body.Price != "" {
		if n.LimitPrice, err = s.registry.ParsePrice(sid, body.Price); err != nil {
			return order.NewOrder{}, err
		}
	}
	if body.StopPrice != "" {
		if n.StopPrice, err = s.registry.ParsePrice(sid, body.StopPrice); err != nil {
			return order.NewOrder{}, err
		}
	}
	return n, nil
}

func (s *Server) orderView(o order.Order) OrderView {
	return OrderView{
		OrdSid:          int32(o.OrdSid),
		ExchangeOrderID: o.ExchangeOrderID,
		ClientKey:       int32(o.ClientKey),
		SecSid:          int64(o.SecSid),
		Side:            o.Side.String(),
		Type:            o.Type.String(),
		TimeInForce:     o.TimeInForce.String(),
		Price:           s.registry.FormatPrice(o.SecSid, o.LimitPrice),
		Quantity:        int64(o.Quantity),
		CumQty:          int64(o.CumQty),
		LeavesQty:       int64(o.LeavesQty),
		Status:          o.Status.String(),
		UpdateTime:      o.UpdateTime,
	}
}

func (s *Server) tradeView(t order.Trade) TradeView {
	return TradeView{
		TradeSid:    int32(t.TradeSid),
		OrdSid:      int32(t.OrdSid),
		SecSid:      int64(t.SecSid),
		Side:        t.Side.String(),
		ExecutionID: t.ExecutionID,
		Price:       s.registry.FormatPrice(t.SecSid, t.ExecPrice),
		Quantity:    int64(t.ExecQty),
		Status:      t.Status.String(),
		UpdateTime:  t.UpdateTime,
	}
}

// FormatPurchasingPower renders purchasing power units in dollars.
func FormatPurchasingPower(pp schema.Notional) string {
	return decimal.New(int64(pp), -3).String()
}

var (
	sides = map[string]schema.OrderSide{
		"BUY":  schema.OrderSideBuy,
		"SELL": schema.OrderSideSell,
	}
	orderTypes = map[string]schema.OrderType{
		"":                  schema.OrderTypeLimit,
		"LIMIT":             schema.OrderTypeLimit,
		"MARKET":            schema.OrderTypeMarket,
		"ENHANCED_LIMIT":    schema.OrderTypeEnhancedLimit,
		"LIMIT_THEN_CANCEL": schema.OrderTypeLimitThenCancel,
	}
	timeInForces = map[string]schema.TimeInForce{
		"":    schema.TimeInForceUnknown,
		"DAY": schema.TimeInForceDay,
		"GTC": schema.TimeInForceGTC,
		"IOC": schema.TimeInForceIOC,
		"FOK": schema.TimeInForceFOK,
	}
)

// waiter is a one-shot request owner. Completions arrive on the service
// goroutine and must never block it.
type waiter struct {
	ch chan order.Completion
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan order.Completion, 4)}
}

func (w *waiter) OnCompletion(c order.Completion) {
	select {
	case w.ch <- c:
	default:
		logs.Errorf("api waiter full, drop completion %s, client key: %d", c.Type, c.ClientKey)
	}
}

// collector gathers the snapshot updates of a GET. They are all delivered
// before the OK completion, so reading them after the completion is safe.
type collector struct {
	updates []order.Update
}

func (c *collector) OnOrderUpdate(u order.Update) {
	c.updates = append(c.updates, u)
}

func pathOrdSid(w http.ResponseWriter, r *http.Request) (schema.OrdSid, bool) {
	v, err := strconv.ParseInt(mux.Vars(r)["ordSid"], 10, 32)
	if err != nil || v <= 0 {
		respondError(w, http.StatusBadRequest, exception.ErrRequestInvalid, "invalid ordSid")
		return 0, false
	}
	return schema.OrdSid(v), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := sonic.ConfigStd.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, exception.ErrRequestInvalid, err.Error())
		return false
	}
	return true
}

func completionResponse(c order.Completion) CompletionResponse {
	resp := CompletionResponse{
		ClientKey:  int32(c.ClientKey),
		OrdSid:     int32(c.OrdSid),
		Completion: c.Type.String(),
		Reason:     c.Reason,
	}
	if c.RejectType != schema.RejectTypeNone {
		resp.RejectType = c.RejectType.String()
	}
	return resp
}

func completionStatus(c order.Completion) int {
	switch c.Type {
	case schema.CompletionOK:
		return http.StatusOK
	case schema.CompletionFailed:
		return http.StatusBadGateway
	case schema.CompletionAlreadyInPendingCancel, schema.CompletionAlreadyInPendingAmend:
		return http.StatusConflict
	}
	switch c.RejectType {
	case schema.RejectTypeThrottled, schema.RejectTypeExceedUnderlyingThrottle:
		return http.StatusTooManyRequests
	case schema.RejectTypeUnknownOrder:
		return http.StatusNotFound
	}
	return http.StatusUnprocessableEntity
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(data); err != nil {
		logs.Errorf("encode api response, err: %+v", err)
	}
}

func respondError(w http.ResponseWriter, status int, kind error, message string) {
	respondJSON(w, status, ErrorResponse{Error: kind.Error(), Message: message})
}
