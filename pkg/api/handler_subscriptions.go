package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/langhook/langhook/pkg/llm"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/store"
)

type gateRequest struct {
	Prompt         string   `json:"prompt"`
	Threshold      *float64 `json:"threshold"`
	Audit          bool     `json:"audit"`
	FailoverPolicy string   `json:"failover_policy"`
}

type createSubscriptionRequest struct {
	Description   string                `json:"description" binding:"required"`
	ChannelType   string                `json:"channel_type"`
	ChannelConfig *models.ChannelConfig `json:"channel_config"`
	Gate          *gateRequest          `json:"gate"`
	Disposable    bool                  `json:"disposable"`
}

type updateSubscriptionRequest struct {
	Description   *string               `json:"description"`
	ChannelType   *string               `json:"channel_type"`
	ChannelConfig *models.ChannelConfig `json:"channel_config"`
	Gate          *gateRequest          `json:"gate"`
	RemoveGate    bool                  `json:"remove_gate"`
	Disposable    *bool                 `json:"disposable"`
	Active        *bool                 `json:"active"`
}

const defaultGateThreshold = 0.8

func (s *Server) handleCreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, validationf("decoding request: %v", err))
		return
	}

	channelType, channel, err := resolveChannel(req.ChannelType, req.ChannelConfig)
	if err != nil {
		s.writeError(c, err)
		return
	}
	gate, err := resolveGate(req.Gate)
	if err != nil {
		s.writeError(c, err)
		return
	}

	pattern, err := s.synthesizePattern(c, req.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}

	sub := &models.Subscription{
		SubscriberID: subscriberID(c),
		Description:  req.Description,
		Pattern:      pattern,
		ChannelType:  channelType,
		Channel:      channel,
		Gate:         gate,
		Disposable:   req.Disposable,
		Active:       true,
	}
	if err := s.store.CreateSubscription(c.Request.Context(), sub); err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.binder.Bind(sub); err != nil {
		// The row exists; binding retries at the next restart.
		s.logger.Error("Failed to bind new subscription", "subscription_id", sub.ID, "error", err)
	}

	s.logger.Info("Subscription created",
		"subscription_id", sub.ID,
		"subscriber_id", sub.SubscriberID,
		"pattern", sub.Pattern,
		"gated", sub.HasGate(),
	)
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(c *gin.Context) {
	id, err := subscriptionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sub, err := s.store.GetSubscription(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	subs, err := s.store.ListSubscriptions(c.Request.Context(), subscriberID(c), pageFromQuery(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) handleUpdateSubscription(c *gin.Context) {
	id, err := subscriptionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, validationf("decoding request: %v", err))
		return
	}

	sub, err := s.store.GetSubscription(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	rebindNeeded := false
	if req.Description != nil && *req.Description != sub.Description {
		pattern, err := s.synthesizePattern(c, *req.Description)
		if err != nil {
			s.writeError(c, err)
			return
		}
		sub.Description = *req.Description
		sub.Pattern = pattern
		rebindNeeded = true
	}
	if req.ChannelType != nil || req.ChannelConfig != nil {
		channelType := string(sub.ChannelType)
		if req.ChannelType != nil {
			channelType = *req.ChannelType
		}
		channelConfig := &sub.Channel
		if req.ChannelConfig != nil {
			channelConfig = req.ChannelConfig
		}
		resolvedType, resolvedConfig, err := resolveChannel(channelType, channelConfig)
		if err != nil {
			s.writeError(c, err)
			return
		}
		sub.ChannelType = resolvedType
		sub.Channel = resolvedConfig
		rebindNeeded = true
	}
	if req.RemoveGate {
		sub.Gate = nil
		rebindNeeded = true
	} else if req.Gate != nil {
		gate, err := resolveGate(req.Gate)
		if err != nil {
			s.writeError(c, err)
			return
		}
		sub.Gate = gate
		rebindNeeded = true
	}
	if req.Disposable != nil {
		sub.Disposable = *req.Disposable
		rebindNeeded = true
	}
	if req.Active != nil && *req.Active != sub.Active {
		sub.Active = *req.Active
		rebindNeeded = true
	}

	if err := s.store.UpdateSubscription(c.Request.Context(), sub); err != nil {
		s.writeError(c, err)
		return
	}
	if rebindNeeded {
		if err := s.binder.Rebind(sub); err != nil {
			s.logger.Error("Failed to rebind subscription", "subscription_id", sub.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(c *gin.Context) {
	id, err := subscriptionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sub, err := s.store.GetSubscription(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.binder.Unbind(sub, true); err != nil {
		s.logger.Warn("Failed to drop durable consumer", "subscription_id", id, "error", err)
	}
	if err := s.store.DeleteSubscription(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("Subscription deleted", "subscription_id", id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSubscriptionEvents(c *gin.Context) {
	id, err := subscriptionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	// A 404 for unknown subscriptions beats an empty list.
	if _, err := s.store.GetSubscription(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}

	filter := store.GateFilter(c.DefaultQuery("gate", string(store.GateAll)))
	switch filter {
	case store.GateAll, store.GateAllowed, store.GateBlocked:
	default:
		s.writeError(c, validationf("unknown gate filter %q", filter))
		return
	}

	events, err := s.store.ListSubscriptionEvents(c.Request.Context(), id, filter, pageFromQuery(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// synthesizePattern turns a description into a subject filter via the LLM,
// constrained by the current schema registry.
func (s *Server) synthesizePattern(c *gin.Context, description string) (string, error) {
	if description == "" {
		return "", validationf("description must not be empty")
	}
	if s.synth == nil || !s.synth.Available() {
		return "", llm.ErrUnavailable
	}
	schema, err := s.store.SchemaSummary(c.Request.Context())
	if err != nil {
		return "", err
	}
	return s.synth.SynthesizePattern(c.Request.Context(), description, schema)
}

func resolveChannel(channelType string, cfg *models.ChannelConfig) (models.ChannelType, models.ChannelConfig, error) {
	switch models.ChannelType(channelType) {
	case models.ChannelNone, "":
		return models.ChannelNone, models.ChannelConfig{}, nil
	case models.ChannelWebhook:
		if cfg == nil || cfg.URL == "" {
			return "", models.ChannelConfig{}, validationf("webhook channel requires channel_config.url")
		}
		return models.ChannelWebhook, *cfg, nil
	default:
		return "", models.ChannelConfig{}, validationf("unknown channel type %q", channelType)
	}
}

func resolveGate(req *gateRequest) (*models.GateConfig, error) {
	if req == nil {
		return nil, nil
	}
	gate := &models.GateConfig{
		Prompt:         req.Prompt,
		Threshold:      defaultGateThreshold,
		Audit:          req.Audit,
		FailoverPolicy: models.FailOpen,
	}
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			return nil, validationf("gate threshold must be within [0, 1]")
		}
		gate.Threshold = *req.Threshold
	}
	if req.FailoverPolicy != "" {
		switch models.FailoverPolicy(req.FailoverPolicy) {
		case models.FailOpen, models.FailClosed:
			gate.FailoverPolicy = models.FailoverPolicy(req.FailoverPolicy)
		default:
			return nil, validationf("unknown failover policy %q", req.FailoverPolicy)
		}
	}
	if gate.Prompt != "" && !llm.IsGateTemplate(gate.Prompt) && !llm.IsCustomGatePrompt(gate.Prompt) {
		return nil, validationf("gate prompt must name a template (%v) or contain {description} and {event_data} placeholders", llm.GateTemplateNames())
	}
	return gate, nil
}

func subscriptionID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, validationf("invalid subscription id %q", c.Param("id"))
	}
	return id, nil
}
