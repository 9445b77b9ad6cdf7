package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/gateway"
	"broker-gateway/internal/logging"
	"broker-gateway/internal/models"
	"broker-gateway/internal/security"
)

// writeError maps a gateway error to its HTTP status. Internal failures
// are logged and reported without detail.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := gwerrors.KindOf(err)
	status := gwerrors.HTTPStatus(kind)
	body := gin.H{"code": kind.String()}
	if status == http.StatusInternalServerError {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().Err(err).
			Str("user", CurrentUserID(c)).
			Msg("Request failed")
		body["error"] = "internal error"
	} else {
		body["error"] = security.MaskString(err.Error())
	}
	if gwerrors.IsOutcomeUnknown(err) {
		body["outcome_unknown"] = true
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) badPayload(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code":  gwerrors.KindBadRequest.String(),
		"error": "invalid request payload: " + err.Error(),
	})
}

// brokerQuery reads an optional broker from the query string.
func brokerQuery(c *gin.Context) (models.BrokerID, error) {
	raw := c.Query("broker")
	if raw == "" {
		return "", nil
	}
	id, ok := models.ParseBrokerID(raw)
	if !ok {
		return "", gwerrors.Newf(gwerrors.KindBadRequest, "unknown broker %q", raw)
	}
	return id, nil
}

// brokerPath reads the :broker path parameter.
func brokerPath(c *gin.Context) (models.BrokerID, error) {
	raw := c.Param("broker")
	id, ok := models.ParseBrokerID(raw)
	if !ok {
		return "", gwerrors.Newf(gwerrors.KindBadRequest, "unknown broker %q", raw)
	}
	return id, nil
}

type orderRequest struct {
	Broker models.BrokerID `json:"broker,omitempty"`
	models.Order
}

func (s *Server) execute(c *gin.Context, cmd gateway.Command) {
	res, err := s.gateway.Execute(c.Request.Context(), CurrentUserID(c), cmd)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) placeOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badPayload(c, err)
		return
	}
	s.execute(c, gateway.Command{Kind: gateway.CmdPlaceOrder, Broker: req.Broker, Order: req.Order})
}

func (s *Server) modifyOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badPayload(c, err)
		return
	}
	s.execute(c, gateway.Command{
		Kind:    gateway.CmdModifyOrder,
		Broker:  req.Broker,
		Order:   req.Order,
		OrderID: c.Param("id"),
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := brokerQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.execute(c, gateway.Command{Kind: gateway.CmdCancelOrder, Broker: id, OrderID: c.Param("id")})
}

func (s *Server) orderBook(c *gin.Context) {
	id, err := brokerQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.execute(c, gateway.Command{Kind: gateway.CmdOrderBook, Broker: id})
}

func (s *Server) positions(c *gin.Context) {
	id, err := brokerQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.execute(c, gateway.Command{Kind: gateway.CmdPositions, Broker: id})
}

func (s *Server) quote(c *gin.Context) {
	id, err := brokerQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.execute(c, gateway.Command{Kind: gateway.CmdQuote, Broker: id, Symbol: c.Query("symbol")})
}

type credentialsRequest struct {
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret"`
	ClientCode string `json:"client_code"`
	PIN        string `json:"pin"`
	TOTPSecret string `json:"totp_secret"`
}

func (s *Server) saveCredentials(c *gin.Context) {
	id, err := brokerPath(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badPayload(c, err)
		return
	}
	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	cred := &models.Credential{
		UserID:     userID,
		BrokerID:   id,
		APIKey:     req.APIKey,
		APISecret:  req.APISecret,
		ClientCode: req.ClientCode,
		PIN:        req.PIN,
		TOTPSecret: req.TOTPSecret,
	}
	err = s.sessions.SaveCredentials(ctx, cred)
	_ = s.audit.LogSession(ctx, security.AuditCredentialsSaved, userID, string(id), err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"broker":  id,
		"status":  cred.Status,
		"api_key": security.MaskCredential(cred.APIKey),
	})
}

func (s *Server) deleteCredentials(c *gin.Context) {
	id, err := brokerPath(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	err = s.sessions.DeleteCredentials(ctx, userID, id)
	_ = s.audit.LogSession(ctx, security.AuditCredentialsDeleted, userID, string(id), err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) credentialStatus(c *gin.Context) {
	list, err := s.sessions.Status(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": list})
}

func (s *Server) login(c *gin.Context) {
	id, err := brokerPath(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.AuthRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badPayload(c, err)
			return
		}
	}
	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	summary, err := s.sessions.Authenticate(ctx, userID, id, req)
	if err != nil {
		_ = s.audit.LogSession(ctx, security.AuditAuthFailed, userID, string(id), err)
		s.writeError(c, err)
		return
	}
	_ = s.audit.LogSession(ctx, security.AuditLogin, userID, string(id), nil)
	c.JSON(http.StatusOK, summary)
}

func (s *Server) logout(c *gin.Context) {
	id, err := brokerPath(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	err = s.sessions.Logout(ctx, userID, id)
	_ = s.audit.LogSession(ctx, security.AuditLogout, userID, string(id), err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
