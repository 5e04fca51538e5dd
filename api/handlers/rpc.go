package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/protocol/a2a"
	"github.com/BaSui01/agentfabric/internal/ctxkeys"
	"github.com/BaSui01/agentfabric/types"
)

// MessageSender delivers envelopes. *a2a.Manager satisfies it.
type MessageSender interface {
	a2a.Sender
	SendNotification(ctx context.Context, env *types.Envelope) error
}

// RPCHandler is the HTTP and websocket carrier for A2A envelopes. Unlike
// the REST endpoints it answers with bare types.Response bodies, which is
// what a2a.Client decodes.
type RPCHandler struct {
	sender  MessageSender
	agentID string
	stream  a2a.StreamServerConfig
	logger  *zap.Logger
}

// NewRPCHandler creates the carrier. agentID is the From of responses the
// carrier itself produces.
func NewRPCHandler(sender MessageSender, agentID string, logger *zap.Logger) *RPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCHandler{
		sender:  sender,
		agentID: agentID,
		stream:  a2a.StreamServerConfig{AgentID: agentID},
		logger:  logger.With(zap.String("handler", "rpc")),
	}
}

// HandleRPC accepts one envelope. Requests block until their outcome and
// get 200 with the result, or the error kind's status with the error.
// Notifications get 202 once their handler has been started.
// @Summary Send an A2A envelope
// @Tags a2a
// @Accept json
// @Produce json
// @Param envelope body types.Envelope true "Envelope"
// @Success 200 {object} types.Response "Result"
// @Success 202 "Notification accepted"
// @Security ApiKeyAuth
// @Router /v1/rpc [post]
func (h *RPCHandler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	var env types.Envelope
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&env); err != nil {
		kind := types.KindSerialization
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			kind = types.KindResourceExhausted
		}
		h.writeError(w, &env, types.NewError(kind, "invalid envelope: "+err.Error()).
			WithCause(err).WithSource("http"))
		return
	}

	if terr := bindSubject(r.Context(), &env); terr != nil {
		h.writeError(w, &env, terr)
		return
	}

	if env.MessageType == types.MessageTypeNotification {
		if err := h.sender.SendNotification(r.Context(), &env); err != nil {
			h.writeError(w, &env, types.AsError(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp, err := h.sender.SendMessage(r.Context(), &env)
	if err != nil {
		h.writeError(w, &env, types.AsError(err))
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// HandleStream upgrades to the websocket carrier. Every envelope on the
// connection is subject to the same sender binding as HandleRPC.
// @Summary A2A websocket carrier
// @Tags a2a
// @Router /v1/ws [get]
func (h *RPCHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sender := subjectSender{sender: h.sender, subject: r.Context()}
	if err := a2a.ServeStream(w, r, sender, h.stream, h.logger); err != nil {
		h.logger.Warn("stream ended with error", zap.Error(err))
	}
}

func (h *RPCHandler) writeError(w http.ResponseWriter, env *types.Envelope, terr *types.Error) {
	status := HTTPStatus(terr.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("rpc failed",
			zap.String("message_id", env.ID),
			zap.String("method", env.Method),
			zap.String("kind", string(terr.Kind)),
			zap.Error(terr))
	}
	WriteJSON(w, status, types.NewErrorResponse(env, h.agentID, terr))
}

// bindSubject ties the authenticated subject, if any, to env.From. An
// empty From is filled in; a different one is refused.
func bindSubject(ctx context.Context, env *types.Envelope) *types.Error {
	subject, ok := ctxkeys.Subject(ctx)
	if !ok {
		return nil
	}
	if env.From == "" {
		env.From = subject
		return nil
	}
	if env.From != subject {
		return types.Errorf(types.KindAuthorization, "sender %q does not match authenticated subject", env.From).
			WithSource("http")
	}
	return nil
}

// subjectSender applies bindSubject to envelopes read from a stream. The
// subject comes from the upgrade request's context.
type subjectSender struct {
	sender  a2a.Sender
	subject context.Context
}

func (s subjectSender) SendMessage(ctx context.Context, env *types.Envelope) (*types.Response, error) {
	if terr := bindSubject(s.subject, env); terr != nil {
		return nil, terr
	}
	return s.sender.SendMessage(ctx, env)
}
