package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"siren-signal/internal/accounts"
	"siren-signal/internal/auth"
	"siren-signal/internal/blob"
	"siren-signal/internal/chat"
	"siren-signal/internal/models"
	"siren-signal/internal/notifier"
	"siren-signal/internal/registry"
	"siren-signal/internal/reports"
	"siren-signal/internal/store"
)

// ResponderRegistry is the slice of the presence registry the API needs.
type ResponderRegistry interface {
	Register(ctx context.Context, resp models.Responder) error
	All(ctx context.Context) ([]models.Responder, error)
	Nearest(ctx context.Context, lat, lng float64) (models.Responder, error)
}

// AdminAPI is the HTTP surface for all three portals (user, responder,
// admin) plus the websocket channel that replaces the app's in-process
// call prompt.
type AdminAPI struct {
	cc       *CallControl
	notif    *notifier.Notifier
	reports  *reports.Service
	chat     *chat.Service
	accounts *accounts.Service
	registry ResponderRegistry
	blob     blob.Storage
	auth     *auth.Manager
	adminKey string
	e        *echo.Echo
}

func NewAdminAPI(cc *CallControl, nt *notifier.Notifier, rp *reports.Service, ch *chat.Service,
	ac *accounts.Service, reg ResponderRegistry, bs blob.Storage, am *auth.Manager, adminKey string) *AdminAPI {
	return &AdminAPI{
		cc:       cc,
		notif:    nt,
		reports:  rp,
		chat:     ch,
		accounts: ac,
		registry: reg,
		blob:     bs,
		auth:     am,
		adminKey: adminKey,
	}
}

func (a *AdminAPI) Start(addr string) error {
	e := echo.New()
	e.HideBanner = true
	a.e = e

	// CORS for the mobile portals
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.DELETE},
	}))

	// Metrics and health
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Token issuance for the external auth provider
	e.POST("/api/token", a.issueToken)

	// Recordings (backs in-memory blob URLs; S3 clients use presigned links)
	e.GET("/recordings/:uid/:file", a.getRecording)

	// Call events pushed to connected clients
	e.GET("/ws/notify", a.notifySocket)

	api := e.Group("/api", a.authRequired)

	// ─── Stats ───────────────────────────────────────────
	api.GET("/stats", a.getStats)

	// ─── Calls ───────────────────────────────────────────
	api.POST("/calls", a.initiateCall)
	api.POST("/calls/emergency", a.initiateEmergencyCall)
	api.GET("/calls/active", a.listActiveCalls)
	api.GET("/calls/:roomId", a.getCall)
	api.POST("/calls/:roomId/accept", a.acceptCall)
	api.POST("/calls/:roomId/decline", a.declineCall)
	api.POST("/calls/:roomId/end", a.endCall)
	api.POST("/calls/:roomId/clips", a.sendClip)

	// ─── Account Management CRUD ─────────────────────────
	api.GET("/users", a.listUsers)
	api.POST("/users", a.createUser)
	api.PUT("/users/:id", a.updateUser)
	api.DELETE("/users/:id", a.deleteUser)

	// ─── Reports ─────────────────────────────────────────
	api.POST("/reports", a.fileReport)
	api.GET("/reports", a.listReports)
	api.GET("/reports/:id", a.getReport)
	api.POST("/reports/:id/accept", a.acceptReport)
	api.POST("/reports/:id/decline", a.declineReport)
	api.POST("/reports/:id/resolve", a.resolveReport)

	// ─── Responders ──────────────────────────────────────
	api.POST("/responders/location", a.updateLocation)
	api.GET("/responders", a.listResponders)
	api.GET("/responders/nearest", a.nearestResponder)

	// ─── Chat ────────────────────────────────────────────
	api.POST("/rooms/:roomId/messages", a.sendMessage)
	api.GET("/rooms/:roomId/messages", a.roomHistory)
	api.GET("/notifications", a.listNotifications)
	api.POST("/notifications/:id/read", a.readNotification)

	return e.Start(addr)
}

// Shutdown stops the HTTP server gracefully.
func (a *AdminAPI) Shutdown(ctx context.Context) error {
	if a.e == nil {
		return nil
	}
	return a.e.Shutdown(ctx)
}

// ─── Auth ────────────────────────────────────────────────────────────────────

func (a *AdminAPI) issueToken(c echo.Context) error {
	if a.adminKey == "" || c.Request().Header.Get("X-Admin-Key") != a.adminKey {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "bad admin key"})
	}

	var body struct {
		UserID string `json:"userId"`
	}
	if err := c.Bind(&body); err != nil || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "userId is required"})
	}

	acct, err := a.accounts.Get(c.Request().Context(), body.UserID)
	if err != nil {
		return a.fail(c, err)
	}
	token, err := a.auth.GenerateToken(acct.ID, acct.DisplayName(), acct.Role)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (a *AdminAPI) authRequired(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		const scheme = "Bearer "
		if len(header) <= len(scheme) || header[:len(scheme)] != scheme {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}
		claims, err := a.auth.ValidateToken(header[len(scheme):])
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		c.Set("claims", claims)
		return next(c)
	}
}

func claimsOf(c echo.Context) *auth.Claims {
	return c.Get("claims").(*auth.Claims)
}

func (a *AdminAPI) requireRole(c echo.Context, roles ...string) bool {
	role := claimsOf(c).Role
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	return false
}

// ─── Stats ───────────────────────────────────────────────────────────────────

func (a *AdminAPI) getStats(c echo.Context) error {
	ctx := c.Request().Context()
	calls, _ := a.cc.Active(ctx)
	users, _ := a.accounts.List(ctx, "")
	open, _ := a.reports.List(ctx, models.ReportFiled)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active_calls":  len(calls),
		"total_users":   len(users),
		"open_reports":  len(open),
		"system_status": "operational",
		"version":       "1.0.0",
	})
}

// ─── Calls ───────────────────────────────────────────────────────────────────

func (a *AdminAPI) initiateCall(c echo.Context) error {
	var body struct {
		ReceiverID  string `json:"receiverId"`
		ToResponder bool   `json:"toResponder"`
	}
	if err := c.Bind(&body); err != nil || body.ReceiverID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "receiverId is required"})
	}

	ctx := c.Request().Context()
	claims := claimsOf(c)
	receiver, err := a.accounts.Party(ctx, body.ReceiverID)
	if err != nil {
		return a.fail(c, err)
	}

	caller := models.Party{ID: claims.UserID, DisplayName: claims.DisplayName}
	rec, err := a.cc.Initiate(ctx, caller, receiver, body.ToResponder)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (a *AdminAPI) initiateEmergencyCall(c echo.Context) error {
	var body struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	ctx := c.Request().Context()
	claims := claimsOf(c)
	resp, err := a.registry.Nearest(ctx, body.Latitude, body.Longitude)
	if err != nil {
		return a.fail(c, err)
	}

	caller := models.Party{ID: claims.UserID, DisplayName: claims.DisplayName}
	receiver := models.Party{ID: resp.ID, DisplayName: resp.Username}
	rec, err := a.cc.Initiate(ctx, caller, receiver, true)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (a *AdminAPI) listActiveCalls(c echo.Context) error {
	if !a.requireRole(c, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "admin only"})
	}
	calls, err := a.cc.Active(c.Request().Context())
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, calls)
}

func (a *AdminAPI) getCall(c echo.Context) error {
	rec, err := a.cc.Get(c.Request().Context(), c.Param("roomId"))
	if err != nil {
		return a.fail(c, err)
	}
	if !rec.Participant(claimsOf(c).UserID) && !a.requireRole(c, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "not a participant"})
	}
	return c.JSON(http.StatusOK, rec)
}

func (a *AdminAPI) acceptCall(c echo.Context) error {
	rec, err := a.cc.Accept(c.Request().Context(), c.Param("roomId"), claimsOf(c).UserID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (a *AdminAPI) declineCall(c echo.Context) error {
	if err := a.cc.Decline(c.Request().Context(), c.Param("roomId"), claimsOf(c).UserID); err != nil {
		return a.fail(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (a *AdminAPI) endCall(c echo.Context) error {
	if err := a.cc.End(c.Request().Context(), c.Param("roomId")); err != nil {
		return a.fail(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (a *AdminAPI) sendClip(c echo.Context) error {
	audio, err := io.ReadAll(io.LimitReader(c.Request().Body, 10<<20))
	if err != nil || len(audio) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty clip"})
	}

	clip, err := a.cc.AppendClip(c.Request().Context(), c.Param("roomId"), claimsOf(c).UserID, audio)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusCreated, clip)
}

func (a *AdminAPI) getRecording(c echo.Context) error {
	key := "recordings/" + c.Param("uid") + "/" + c.Param("file")
	data, err := a.blob.Get(c.Request().Context(), key)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Blob(http.StatusOK, "audio/3gpp", data)
}

// ─── Users ───────────────────────────────────────────────────────────────────

func (a *AdminAPI) listUsers(c echo.Context) error {
	users, err := a.accounts.List(c.Request().Context(), c.QueryParam("role"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, users)
}

func (a *AdminAPI) createUser(c echo.Context) error {
	if !a.requireRole(c, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "admin only"})
	}
	var acct models.Account
	if err := c.Bind(&acct); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	saved, err := a.accounts.Save(c.Request().Context(), acct)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (a *AdminAPI) updateUser(c echo.Context) error {
	id := c.Param("id")
	if claimsOf(c).UserID != id && !a.requireRole(c, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "not your account"})
	}
	var acct models.Account
	if err := c.Bind(&acct); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	acct.ID = id
	saved, err := a.accounts.Save(c.Request().Context(), acct)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (a *AdminAPI) deleteUser(c echo.Context) error {
	if !a.requireRole(c, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "admin only"})
	}
	if err := a.accounts.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return a.fail(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// ─── Reports ─────────────────────────────────────────────────────────────────

func (a *AdminAPI) fileReport(c echo.Context) error {
	var r models.Report
	if err := c.Bind(&r); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	r.SenderID = claimsOf(c).UserID
	filed, err := a.reports.File(c.Request().Context(), r)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusCreated, filed)
}

func (a *AdminAPI) listReports(c echo.Context) error {
	list, err := a.reports.List(c.Request().Context(), models.ReportStatus(c.QueryParam("status")))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *AdminAPI) getReport(c echo.Context) error {
	r, err := a.reports.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (a *AdminAPI) acceptReport(c echo.Context) error {
	if !a.requireRole(c, models.RoleResponder, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "responder only"})
	}
	r, err := a.reports.Accept(c.Request().Context(), c.Param("id"), claimsOf(c).UserID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (a *AdminAPI) declineReport(c echo.Context) error {
	if !a.requireRole(c, models.RoleResponder, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "responder only"})
	}
	r, err := a.reports.Decline(c.Request().Context(), c.Param("id"), claimsOf(c).UserID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (a *AdminAPI) resolveReport(c echo.Context) error {
	if !a.requireRole(c, models.RoleResponder, models.RoleAdmin) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "responder only"})
	}
	r, err := a.reports.Resolve(c.Request().Context(), c.Param("id"), claimsOf(c).UserID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// ─── Responders ──────────────────────────────────────────────────────────────

func (a *AdminAPI) updateLocation(c echo.Context) error {
	if !a.requireRole(c, models.RoleResponder) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "responder only"})
	}
	var body struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Number    string  `json:"number"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	claims := claimsOf(c)
	err := a.registry.Register(c.Request().Context(), models.Responder{
		ID:        claims.UserID,
		Username:  claims.DisplayName,
		Number:    body.Number,
		Latitude:  body.Latitude,
		Longitude: body.Longitude,
	})
	if err != nil {
		return a.fail(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (a *AdminAPI) listResponders(c echo.Context) error {
	list, err := a.registry.All(c.Request().Context())
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *AdminAPI) nearestResponder(c echo.Context) error {
	lat, err1 := strconv.ParseFloat(c.QueryParam("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.QueryParam("lng"), 64)
	if err1 != nil || err2 != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "lat and lng are required"})
	}
	resp, err := a.registry.Nearest(c.Request().Context(), lat, lng)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ─── Chat ────────────────────────────────────────────────────────────────────

func (a *AdminAPI) sendMessage(c echo.Context) error {
	var body struct {
		RecipientID string `json:"recipientId"`
		Text        string `json:"text"`
	}
	if err := c.Bind(&body); err != nil || body.RecipientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "recipientId is required"})
	}

	claims := claimsOf(c)
	sender := models.Party{ID: claims.UserID, DisplayName: claims.DisplayName}
	msg, err := a.chat.Send(c.Request().Context(), c.Param("roomId"), sender, body.RecipientID, body.Text)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (a *AdminAPI) roomHistory(c echo.Context) error {
	msgs, err := a.chat.History(c.Request().Context(), c.Param("roomId"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (a *AdminAPI) listNotifications(c echo.Context) error {
	list, err := a.chat.Notifications(c.Request().Context(), claimsOf(c).UserID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *AdminAPI) readNotification(c echo.Context) error {
	if err := a.chat.MarkRead(c.Request().Context(), claimsOf(c).UserID, c.Param("id")); err != nil {
		return a.fail(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// ─── Websocket push ──────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// notifySocket streams call events (ring, accepted, clip, ended) to one
// authenticated client until it disconnects.
func (a *AdminAPI) notifySocket(c echo.Context) error {
	claims, err := a.auth.ValidateToken(c.QueryParam("token"))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, detach := a.notif.Attach(claims.UserID)
	defer detach()

	log.Printf("[API] Notify socket connected for %s", claims.UserID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		case <-done:
			return nil
		}
	}
}

// ─── Error mapping ───────────────────────────────────────────────────────────

func (a *AdminAPI) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRecordNotFound),
		errors.Is(err, reports.ErrReportNotFound),
		errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, registry.ErrNoResponders):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, reports.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrNotParticipant),
		errors.Is(err, reports.ErrNotAssigned):
		status = http.StatusForbidden
	case errors.Is(err, reports.ErrInvalidReport),
		errors.Is(err, accounts.ErrInvalidRole),
		errors.Is(err, chat.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, blob.ErrUploadFailed):
		status = http.StatusBadGateway
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
