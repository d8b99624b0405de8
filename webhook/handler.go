package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/examgate/gate"
)

// Interaction types sent by the platform.
const (
	InteractionPing               = 1
	InteractionApplicationCommand = 2
)

// Response types understood by the platform.
const (
	ResponsePong                     = 1
	ResponseChannelMessageWithSource = 4
)

// FlagEphemeral makes a command reply visible only to the invoking user.
const FlagEphemeral = 1 << 6

// DefaultCommand is the command name that mints a pre-access token.
const DefaultCommand = "exam-access"

const maxBodySize = 1 << 20

// Interaction is the subset of the platform payload the handler reads.
type Interaction struct {
	Type      int              `json:"type"`
	ChannelID string           `json:"channel_id,omitempty"`
	Data      *InteractionData `json:"data,omitempty"`
}

// InteractionData identifies the invoked command.
type InteractionData struct {
	Name string `json:"name"`
}

// Response is the acknowledgement or command reply.
type Response struct {
	Type int           `json:"type"`
	Data *ResponseData `json:"data,omitempty"`
}

// ResponseData is the body of a command reply.
type ResponseData struct {
	Content string `json:"content"`
	Flags   int    `json:"flags,omitempty"`
}

// Minter issues pre-access tokens without a code.
type Minter interface {
	MintPreAccess(ctx context.Context) (*gate.Grant, error)
}

// RejectFunc is called whenever a request is refused.
type RejectFunc func(r *http.Request, reason string)

// Handler serves the interaction endpoint.
type Handler struct {
	verifier  *Verifier
	minter    Minter
	command   string
	channelID string
	onReject  RejectFunc
	onMint    func(r *http.Request)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCommand sets the recognised command name.
func WithCommand(name string) HandlerOption {
	return func(h *Handler) {
		h.command = name
	}
}

// WithChannel restricts the command to one channel id.
func WithChannel(id string) HandlerOption {
	return func(h *Handler) {
		h.channelID = id
	}
}

// WithRejectHook registers a callback for refused requests.
func WithRejectHook(fn RejectFunc) HandlerOption {
	return func(h *Handler) {
		h.onReject = fn
	}
}

// WithMintHook registers a callback for every token minted.
func WithMintHook(fn func(r *http.Request)) HandlerOption {
	return func(h *Handler) {
		h.onMint = fn
	}
}

// NewHandler returns a Handler that verifies with v and mints with m.
func NewHandler(v *Verifier, m Minter, opts ...HandlerOption) *Handler {
	h := &Handler{verifier: v, minter: m, command: DefaultCommand}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil || len(body) > maxBodySize {
		h.reject(w, r, http.StatusUnauthorized, "unreadable body")
		return
	}

	// The signature is checked against the raw bytes before anything is
	// parsed.
	if err := h.verifier.Check(r.Header.Get(HeaderTimestamp), body, r.Header.Get(HeaderSignature)); err != nil {
		h.reject(w, r, http.StatusUnauthorized, "invalid request signature")
		return
	}

	var in Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		h.reject(w, r, http.StatusUnauthorized, "malformed payload")
		return
	}

	switch in.Type {
	case InteractionPing:
		writeResponse(w, Response{Type: ResponsePong})
	case InteractionApplicationCommand:
		h.handleCommand(w, r, &in)
	default:
		h.reject(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported interaction type %d", in.Type))
	}
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request, in *Interaction) {
	if in.Data == nil || in.Data.Name != h.command {
		writeResponse(w, ephemeral("Unknown command."))
		return
	}
	if h.channelID != "" && in.ChannelID != h.channelID {
		if h.onReject != nil {
			h.onReject(r, "channel not allowed")
		}
		writeResponse(w, ephemeral("This command is not available in this channel."))
		return
	}

	grant, err := h.minter.MintPreAccess(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "webhook: minting pre-access token failed", "error", err)
		writeResponse(w, ephemeral("Could not issue a pre-access token. Try again later."))
		return
	}
	if h.onMint != nil {
		h.onMint(r)
	}
	writeResponse(w, ephemeral(fmt.Sprintf(
		"Pre-access token (expires <t:%d:R>):\n```\n%s\n```", grant.ExpiresAt, grant.Token)))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, status int, reason string) {
	if h.onReject != nil {
		h.onReject(r, reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

func ephemeral(content string) Response {
	return Response{
		Type: ResponseChannelMessageWithSource,
		Data: &ResponseData{Content: content, Flags: FlagEphemeral},
	}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
