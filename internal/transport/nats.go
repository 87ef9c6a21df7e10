package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/partsbuddy/internal/config"
	"github.com/avvvet/partsbuddy/internal/handlers"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ChatProcessor answers one chat request
type ChatProcessor interface {
	ProcessChat(ctx context.Context, request *models.ChatRequest) (*models.PipelineResult, error)
}

// Error codes sent back to callers
const (
	ErrorParseError     = "PARSE_ERROR"
	ErrorInvalidRequest = "INVALID_REQUEST"
	ErrorInternal       = "INTERNAL_ERROR"
)

// ErrorResponse is the reply body for requests the pipeline could not take
type ErrorResponse struct {
	SessionID    string `json:"session_id,omitempty"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type NATSTransport struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	config  *config.Config
	handler ChatProcessor
	logger  *zap.Logger
}

func NewNATSTransport(cfg *config.Config, handler ChatProcessor, logger *zap.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Connect to NATS
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS server", zap.String("url", cfg.NatsURL))

	return &NATSTransport{
		conn:    conn,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

func (nt *NATSTransport) Start() error {
	// Subscribe to chat requests
	sub, err := nt.conn.Subscribe(nt.config.NatsRequestSubject, nt.handleChatRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", nt.config.NatsRequestSubject, err)
	}
	nt.sub = sub

	nt.logger.Info("Subscribed to subject", zap.String("subject", nt.config.NatsRequestSubject))
	return nil
}

func (nt *NATSTransport) handleChatRequest(msg *nats.Msg) {
	// Parse the request
	var request models.ChatRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		nt.logger.Warn("Error parsing request", zap.Error(err))
		nt.sendErrorResponse(msg, request.SessionID, ErrorParseError, "Invalid request format")
		return
	}

	nt.logger.Debug("Processing chat request", zap.String("session_id", request.SessionID))

	// Create context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), nt.config.NatsTimeout)
	defer cancel()

	result, err := nt.handler.ProcessChat(ctx, &request)
	if err != nil {
		code := ErrorInternal
		if errors.Is(err, handlers.ErrInvalidRequest) {
			code = ErrorInvalidRequest
		}
		nt.sendErrorResponse(msg, request.SessionID, code, err.Error())
		return
	}

	if err := nt.respond(msg, result); err != nil {
		nt.logger.Error("Error sending response", zap.Error(err))
	}
}

func (nt *NATSTransport) respond(msg *nats.Msg, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := msg.Respond(data); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

func (nt *NATSTransport) sendErrorResponse(msg *nats.Msg, sessionID, errorCode, errorMessage string) {
	response := ErrorResponse{
		SessionID:    sessionID,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}

	if err := nt.respond(msg, response); err != nil {
		nt.logger.Error("Failed to send error response", zap.Error(err))
	}
}

// Close drains the subscription so in-flight requests get their replies
func (nt *NATSTransport) Close() error {
	if nt.conn == nil {
		return nil
	}
	if nt.sub != nil {
		if err := nt.sub.Drain(); err != nil {
			nt.logger.Warn("Failed to drain subscription", zap.Error(err))
		}
	}
	nt.conn.Close()
	nt.logger.Info("NATS connection closed")
	return nil
}
