// Package handler provides HTTP handlers for the market-data routes.
package handler

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"strings"

	"marketdata-relay/internal/domain/symbol"
	"marketdata-relay/internal/services"
	"marketdata-relay/internal/symbolref"
	"marketdata-relay/internal/transport/httpdto"
	relay_errors "marketdata-relay/pkg/errors"
	"marketdata-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

// LoadTemplates installs the embedded page templates on engine.
func LoadTemplates(engine *gin.Engine) {
	engine.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))
}

// SymbolSearcher finds symbols by free text.
type SymbolSearcher interface {
	EnhancedSearch(ctx context.Context, query, exchange string) ([]symbol.Symbol, error)
}

// CredentialLookup resolves a user's API key and the broker it belongs to.
type CredentialLookup interface {
	APIKeyForUser(ctx context.Context, username string) (string, error)
	BrokerName(ctx context.Context, apiKey string) (string, error)
}

// CallbackRegistrar attaches the push callback for a user.
type CallbackRegistrar interface {
	Attach(username string)
}

// WebSocketHandler serves the /websocket routes.
type WebSocketHandler struct {
	market  services.MarketDataService
	symbols SymbolSearcher
	creds   CredentialLookup
	push    CallbackRegistrar
	log     *logger.Logger
}

// NewWebSocketHandler creates the handler for the /websocket routes.
func NewWebSocketHandler(market services.MarketDataService, symbols SymbolSearcher, creds CredentialLookup, push CallbackRegistrar, l *logger.Logger) *WebSocketHandler {
	if l == nil {
		l = logger.NewNop()
	}
	return &WebSocketHandler{market: market, symbols: symbols, creds: creds, push: push, log: l}
}

var (
	errNotLoggedIn = relay_errors.WithMessage(relay_errors.ErrUnauthorized, "User not logged in")
	errNoSymbols   = relay_errors.WithMessage(relay_errors.ErrInvalidInput, "No symbols provided")
	errNoAPIKey    = relay_errors.WithMessage(relay_errors.ErrAPIKeyNotFound, "API Key not found")
	errNoBroker    = relay_errors.WithMessage(relay_errors.ErrBrokerNotFound, "Broker not found")
)

// fail hands err to the error middleware.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// Index renders the management page and makes sure the user's pushes reach
// their room.
func (h *WebSocketHandler) Index(c *gin.Context) {
	username, ok := services.UsernameFromContext(c.Request.Context())
	if ok {
		h.push.Attach(username)
	}
	c.HTML(http.StatusOK, "websocket.html", gin.H{"username": username})
}

// Search answers GET /websocket/search?q=&exchange= with matching symbols.
func (h *WebSocketHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	exchange := strings.TrimSpace(c.Query("exchange"))

	if query == "" {
		c.JSON(http.StatusOK, []httpdto.SymbolSearchResult{})
		return
	}

	rows, err := h.symbols.EnhancedSearch(c.Request.Context(), query, exchange)
	if err != nil {
		h.log.WithContext(c.Request.Context()).Error("Error searching symbols",
			zap.String("query", query),
			zap.String("exchange", exchange),
			zap.Error(err))
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSymbolSearchResults(rows))
}

// Subscriptions lists the user's active subscriptions.
func (h *WebSocketHandler) Subscriptions(c *gin.Context) {
	username, ok := services.UsernameFromContext(c.Request.Context())
	if !ok {
		fail(c, errNotLoggedIn)
		return
	}

	res := h.market.Subscriptions(c.Request.Context(), username)
	if res.Success {
		c.JSON(http.StatusOK, res.Body)
		return
	}
	c.JSON(res.Status, res.Body)
}

// Subscribe adds symbols to the user's upstream session.
func (h *WebSocketHandler) Subscribe(c *gin.Context) {
	h.changeSubscription(c, h.market.Subscribe)
}

// Unsubscribe removes symbols from the user's upstream session.
func (h *WebSocketHandler) Unsubscribe(c *gin.Context) {
	h.changeSubscription(c, h.market.Unsubscribe)
}

type subscriptionOp func(ctx context.Context, username, broker string, refs []symbolref.SymbolRef, mode string) services.Result

// changeSubscription validates the body, resolves the user's broker and hands
// the parsed symbols to op. op's body and status are returned unchanged.
func (h *WebSocketHandler) changeSubscription(c *gin.Context, op subscriptionOp) {
	username, ok := services.UsernameFromContext(c.Request.Context())
	if !ok {
		fail(c, errNotLoggedIn)
		return
	}

	var req httpdto.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Symbols) == 0 {
		fail(c, errNoSymbols)
		return
	}

	broker, err := h.resolveBroker(c.Request.Context(), username)
	if err != nil {
		fail(c, err)
		return
	}

	refs := symbolref.ParseSymbolRefs(req.Symbols)
	res := op(c.Request.Context(), username, broker, refs, string(req.Mode))
	c.JSON(res.Status, res.Body)
}

// resolveBroker treats lookup failures as missing credentials.
func (h *WebSocketHandler) resolveBroker(ctx context.Context, username string) (string, error) {
	log := h.log.WithContext(ctx)

	apiKey, err := h.creds.APIKeyForUser(ctx, username)
	if err != nil {
		log.Error("api key lookup failed", zap.Error(err))
	}
	if apiKey == "" {
		return "", errNoAPIKey
	}

	broker, err := h.creds.BrokerName(ctx, apiKey)
	if err != nil {
		log.Error("broker lookup failed", zap.Error(err))
	}
	if broker == "" {
		return "", errNoBroker
	}
	return broker, nil
}

// UnsubscribeAll drops every subscription and closes the upstream session.
func (h *WebSocketHandler) UnsubscribeAll(c *gin.Context) {
	username, ok := services.UsernameFromContext(c.Request.Context())
	if !ok {
		fail(c, errNotLoggedIn)
		return
	}
	res := h.market.UnsubscribeAll(c.Request.Context(), username)
	c.JSON(res.Status, res.Body)
}

// Status reports the user's upstream session state.
func (h *WebSocketHandler) Status(c *gin.Context) {
	username, ok := services.UsernameFromContext(c.Request.Context())
	if !ok {
		fail(c, errNotLoggedIn)
		return
	}
	res := h.market.Status(c.Request.Context(), username)
	c.JSON(res.Status, res.Body)
}
