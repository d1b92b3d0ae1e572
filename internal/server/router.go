package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/channel-mesh/switchboard/internal/identity"
	"github.com/channel-mesh/switchboard/internal/metrics"
	"github.com/channel-mesh/switchboard/internal/relay"
	"github.com/channel-mesh/switchboard/internal/transport"
)

// Control-plane request types dispatched from the envelope.
const (
	requestTypeCreate             = "create"
	requestTypeShare              = "share"
	requestTypeGet                = "get"
	requestTypeAccept             = "accept"
	requestTypeDelete             = "delete"
	requestTypeList               = "list"
	requestTypeGetRegistration    = "get-registration"
	requestTypeUpdateRegistration = "update-registration"
)

var (
	errMissingSwitch   = errors.New("switch dependency required")
	errMissingRegistry = errors.New("transport registry dependency required")
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Switch   *relay.Switch
	Registry *transport.Registry
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// controlEnvelope is the transport-agnostic request shape: every request
// carries a signed identity, a type, and type-specific details.
type controlEnvelope struct {
	Identity identity.SignedIdentity `json:"identity"`
	Type     string                  `json:"type"`
	Details  json.RawMessage         `json:"details,omitempty"`
}

// channelAddressDetails covers the get and delete request details.
type channelAddressDetails struct {
	ChannelAddress string `json:"channelAddress"`
}

// NewHTTPHandler builds the gin handler serving the control plane, the
// websocket transport endpoint, health, and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Switch == nil {
		return nil, errMissingSwitch
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		relaySwitch: deps.Switch,
		logger:      logger,
	}

	router.POST("/control", handler.handleControl)
	router.GET("/relay", gin.WrapF(deps.Registry.HandleWebSocket))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	return router, nil
}

type httpHandler struct {
	relaySwitch *relay.Switch
	logger      *zap.Logger
}

func (h *httpHandler) handleControl(c *gin.Context) {
	var envelope controlEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil || envelope.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	var (
		result any
		err    error
	)
	switch envelope.Type {
	case requestTypeCreate:
		var request relay.CreateChannelRequest
		if !h.decodeDetails(c, envelope.Details, &request) {
			return
		}
		result, err = h.relaySwitch.Create(ctx, envelope.Identity, request)
	case requestTypeShare:
		var request relay.ShareChannelRequest
		if !h.decodeDetails(c, envelope.Details, &request) {
			return
		}
		result, err = h.relaySwitch.Share(ctx, envelope.Identity, request)
	case requestTypeGet:
		var details channelAddressDetails
		if !h.decodeDetails(c, envelope.Details, &details) {
			return
		}
		result, err = h.relaySwitch.Get(ctx, envelope.Identity, details.ChannelAddress)
	case requestTypeAccept:
		var request relay.AcceptInvitationRequest
		if !h.decodeDetails(c, envelope.Details, &request) {
			return
		}
		result, err = h.relaySwitch.Accept(ctx, envelope.Identity, request)
	case requestTypeDelete:
		var details channelAddressDetails
		if !h.decodeDetails(c, envelope.Details, &details) {
			return
		}
		err = h.relaySwitch.Delete(ctx, envelope.Identity, details.ChannelAddress)
		result = gin.H{"deleted": details.ChannelAddress}
	case requestTypeList:
		var request relay.ListChannelsRequest
		if !h.decodeDetails(c, envelope.Details, &request) {
			return
		}
		result, err = h.relaySwitch.List(ctx, envelope.Identity, request)
	case requestTypeGetRegistration:
		result, err = h.relaySwitch.GetRegistration(ctx, envelope.Identity)
	case requestTypeUpdateRegistration:
		var request relay.UpdateRegistrationRequest
		if !h.decodeDetails(c, envelope.Details, &request) {
			return
		}
		result, err = h.relaySwitch.UpdateRegistration(ctx, envelope.Identity, request)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_request_type"})
		return
	}

	if err != nil {
		status := relay.StatusOf(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("control request failed",
				zap.String("type", envelope.Type), zap.Error(err))
			c.JSON(status, gin.H{"error": "internal_error"})
			return
		}
		h.logger.Warn("control request rejected",
			zap.String("type", envelope.Type), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// decodeDetails unmarshals the details blob, responding 400 on failure.
// Empty details decode into the zero value.
func (h *httpHandler) decodeDetails(c *gin.Context, raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_details"})
		return false
	}
	return true
}
