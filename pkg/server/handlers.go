package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gruporder/gruporder/pkg/catalog"
	"github.com/gruporder/gruporder/pkg/models"
	"github.com/gruporder/gruporder/pkg/realtime"
	"github.com/gruporder/gruporder/pkg/store"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type createSessionRequest struct {
	Name      string                  `json:"name"`
	Merchants []createMerchantRequest `json:"merchants"`
}

type createMerchantRequest struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// handleCreateSession creates a session together with its merchants.
// Catalog fetches are best-effort: a merchant whose menu cannot be
// fetched is stored without MenuData and can be refreshed later. The
// session itself is never failed by a catalog error.
func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "session name is required")
		return
	}

	session := &models.Session{ID: models.NewSessionID(), Name: req.Name}
	for _, m := range req.Merchants {
		if !catalog.IsValidRestaurantURL(m.Link) {
			respondError(w, http.StatusBadRequest, "invalid restaurant link: "+m.Link)
			return
		}
		merchant := models.Merchant{
			ID:        models.NewMerchantID(),
			SessionID: session.ID,
			Name:      m.Name,
			Link:      m.Link,
		}
		if a.fetcher != nil {
			payload, err := a.fetcher.FetchMerchant(r.Context(), m.Link)
			if err != nil {
				a.logger.Warn("catalog fetch failed, storing merchant without menu",
					"link", m.Link, "error", err)
			} else {
				merchant.MenuData = payloadToMap(payload)
				if merchant.Name == "" {
					merchant.Name = payload.RestaurantName()
				}
			}
		}
		session.Merchants = append(session.Merchants, merchant)
	}

	if err := a.store.CreateSession(r.Context(), session); err != nil {
		a.logger.Error("failed to create session", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := models.ParseSessionID(mux.Vars(r)["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	session, err := a.store.GetSession(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("failed to get session", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (a *App) handleListOrders(w http.ResponseWriter, r *http.Request) {
	sessionID, err := models.ParseSessionID(mux.Vars(r)["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	orders, err := a.store.ListOrders(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("failed to list orders", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

type orderRequest struct {
	CustomerName string             `json:"customer_name"`
	Notes        string             `json:"notes"`
	Items        []models.OrderItem `json:"items"`
}

func (a *App) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	sessionID, err := models.ParseSessionID(mux.Vars(r)["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CustomerName == "" {
		respondError(w, http.StatusBadRequest, "customer name is required")
		return
	}

	order := &models.Order{
		ID:           models.NewOrderID(),
		SessionID:    sessionID,
		CustomerName: req.CustomerName,
		Notes:        req.Notes,
		Items:        req.Items,
	}
	order.Total = order.ComputeTotal()

	if err := a.store.CreateOrder(r.Context(), order); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error("failed to create order", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	a.hub.PublishChange(realtime.OrdersTopic(sessionID.String()), realtime.ActionInsert, order, nil)
	respondJSON(w, http.StatusCreated, order)
}

func (a *App) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	sessionID, orderID, ok := a.orderVars(w, r)
	if !ok {
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	previous, err := a.findOrder(r, sessionID, orderID)
	if err != nil {
		a.logger.Error("failed to load order", "order", orderID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	if previous == nil {
		respondError(w, http.StatusNotFound, "order not found")
		return
	}

	order := &models.Order{
		ID:           orderID,
		SessionID:    sessionID,
		CustomerName: req.CustomerName,
		Notes:        req.Notes,
		Items:        req.Items,
		CreatedAt:    previous.CreatedAt,
	}
	if order.CustomerName == "" {
		order.CustomerName = previous.CustomerName
	}
	order.Total = order.ComputeTotal()

	if err := a.store.UpdateOrder(r.Context(), order); err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			respondError(w, http.StatusNotFound, "order not found")
			return
		}
		a.logger.Error("failed to update order", "order", orderID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update order")
		return
	}

	a.hub.PublishChange(realtime.OrdersTopic(sessionID.String()), realtime.ActionUpdate, order, previous)
	respondJSON(w, http.StatusOK, order)
}

func (a *App) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	sessionID, orderID, ok := a.orderVars(w, r)
	if !ok {
		return
	}

	previous, err := a.findOrder(r, sessionID, orderID)
	if err != nil {
		a.logger.Error("failed to load order", "order", orderID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	if previous == nil {
		respondError(w, http.StatusNotFound, "order not found")
		return
	}

	if err := a.store.DeleteOrder(r.Context(), orderID); err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			respondError(w, http.StatusNotFound, "order not found")
			return
		}
		a.logger.Error("failed to delete order", "order", orderID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete order")
		return
	}

	a.hub.PublishChange(realtime.OrdersTopic(sessionID.String()), realtime.ActionDelete, nil, previous)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *App) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := models.ParseSessionID(mux.Vars(r)["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	messages, err := a.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("failed to list messages", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

type messageRequest struct {
	ID         models.MessageID `json:"id"`
	SenderName string           `json:"sender_name"`
	Body       string           `json:"body"`
}

func (a *App) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, err := models.ParseSessionID(mux.Vars(r)["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderName == "" || req.Body == "" {
		respondError(w, http.StatusBadRequest, "sender name and body are required")
		return
	}

	message := &models.ChatMessage{
		ID:         req.ID,
		SessionID:  sessionID,
		SenderName: req.SenderName,
		Body:       req.Body,
		Mentions:   models.ExtractMentions(req.Body),
	}
	if message.ID.IsZero() {
		message.ID = models.NewMessageID()
	}

	if err := a.store.CreateMessage(r.Context(), message); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error("failed to create message", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	a.hub.PublishChange(realtime.MessagesTopic(sessionID.String()), realtime.ActionInsert, message, nil)
	respondJSON(w, http.StatusCreated, message)
}

// handleRefreshMerchant re-fetches a merchant's catalog payload and
// stores it. Participants call this when a menu looks stale.
func (a *App) handleRefreshMerchant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, err := models.ParseSessionID(vars["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}
	merchantID, err := models.ParseMerchantID(vars["merchantID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid merchant ID")
		return
	}
	if a.fetcher == nil {
		respondError(w, http.StatusServiceUnavailable, "catalog fetching is not configured")
		return
	}

	session, err := a.store.GetSession(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("failed to get session", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	var merchant *models.Merchant
	for i := range session.Merchants {
		if session.Merchants[i].ID == merchantID {
			merchant = &session.Merchants[i]
			break
		}
	}
	if merchant == nil {
		respondError(w, http.StatusNotFound, "merchant not found")
		return
	}

	payload, err := a.fetcher.FetchMerchant(r.Context(), merchant.Link)
	if err != nil {
		a.logger.Warn("catalog refresh failed", "merchant", merchantID.String(), "error", err)
		respondError(w, http.StatusBadGateway, "failed to fetch merchant catalog")
		return
	}
	a.menus.Invalidate(merchant.ID.String())

	merchant.MenuData = payloadToMap(payload)
	if name := payload.RestaurantName(); name != "" {
		merchant.Name = name
	}
	if err := a.store.UpdateMerchant(r.Context(), merchant); err != nil {
		a.logger.Error("failed to update merchant", "merchant", merchantID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update merchant")
		return
	}
	respondJSON(w, http.StatusOK, merchant)
}

// handleMenu serves a merchant's parsed menu through the TTL cache, so
// repeated views within a session do not refetch the upstream catalog.
func (a *App) handleMenu(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, err := models.ParseSessionID(vars["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}
	merchantID, err := models.ParseMerchantID(vars["merchantID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid merchant ID")
		return
	}
	if a.menus == nil {
		respondError(w, http.StatusServiceUnavailable, "catalog fetching is not configured")
		return
	}

	session, err := a.store.GetSession(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("failed to get session", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	var merchant *models.Merchant
	for i := range session.Merchants {
		if session.Merchants[i].ID == merchantID {
			merchant = &session.Merchants[i]
			break
		}
	}
	if merchant == nil {
		respondError(w, http.StatusNotFound, "merchant not found")
		return
	}

	items, err := a.menus.Get(r.Context(), merchant.ID.String(), merchant.Link)
	if err != nil {
		a.logger.Warn("menu fetch failed", "merchant", merchantID.String(), "error", err)
		respondError(w, http.StatusBadGateway, "failed to fetch menu")
		return
	}
	for i := range items {
		items[i].MerchantID = merchantID
	}
	respondJSON(w, http.StatusOK, items)
}

// handleRealtime upgrades the connection to the realtime protocol after
// checking the session exists. The hub scopes all joins to the session.
func (a *App) handleRealtime(w http.ResponseWriter, r *http.Request) {
	sessionID, err := models.ParseSessionID(mux.Vars(r)["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	session, err := a.store.GetSession(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("failed to get session", "session", sessionID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	a.hub.ServeWS(w, r, sessionID.String())
}

func (a *App) orderVars(w http.ResponseWriter, r *http.Request) (models.SessionID, models.OrderID, bool) {
	vars := mux.Vars(r)
	sessionID, err := models.ParseSessionID(vars["sessionID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return models.SessionID{}, models.OrderID{}, false
	}
	orderID, err := models.ParseOrderID(vars["orderID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order ID")
		return models.SessionID{}, models.OrderID{}, false
	}
	return sessionID, orderID, true
}

// findOrder returns the session's order with the given ID, or nil. The
// store has no point lookup for orders; the session-scoped list is small
// enough that a scan is fine.
func (a *App) findOrder(r *http.Request, sessionID models.SessionID, orderID models.OrderID) (*models.Order, error) {
	orders, err := a.store.ListOrders(r.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ID == orderID {
			return &orders[i], nil
		}
	}
	return nil, nil
}

// payloadToMap converts the typed catalog payload into the opaque JSONB
// shape stored on the merchant row.
func payloadToMap(payload *catalog.MerchantPayload) models.JSONMap {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var m models.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
