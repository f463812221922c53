package publicapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/eternisai/enchanted-proxy/internal/apierrors"
	"github.com/eternisai/enchanted-proxy/internal/config"
	"github.com/eternisai/enchanted-proxy/internal/executor"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/gin-gonic/gin"
)

// modelDescriptor is the list/get-models response shape (§6); fields
// kept to what the protocol's model listing actually needs.
type modelDescriptor struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	SupportedGen string `json:"supportedGenerationMethods"`
}

type listModelsResponse struct {
	Models []modelDescriptor `json:"models"`
}

// Handlers wires the executor into gin handler funcs.
type Handlers struct {
	exec    *executor.Executor
	aliases *config.ModelAliasConfig
	log     *logger.Logger
}

// NewHandlers builds a Handlers.
func NewHandlers(exec *executor.Executor, aliases *config.ModelAliasConfig, log *logger.Logger) *Handlers {
	return &Handlers{exec: exec, aliases: aliases, log: log}
}

// ListModels handles GET /v1beta/models.
func (h *Handlers) ListModels(c *gin.Context) {
	names := h.aliases.PublicNames()
	models := make([]modelDescriptor, 0, len(names))
	for _, name := range names {
		models = append(models, modelDescriptor{
			Name:         "models/" + name,
			DisplayName:  name,
			SupportedGen: "generateContent",
		})
	}
	c.JSON(http.StatusOK, listModelsResponse{Models: models})
}

// GetModel handles GET /v1beta/models/{m}. Unknown names still resolve
// (the alias table passes them through), so this never 404s — consistent
// with §4.2/§4.4 treating unrecognized model names as pass-through
// upstream identifiers rather than a validation failure.
func (h *Handlers) GetModel(c *gin.Context) {
	name := c.Param("model")
	c.JSON(http.StatusOK, modelDescriptor{
		Name:         "models/" + name,
		DisplayName:  name,
		SupportedGen: "generateContent",
	})
}

// dispatchAction splits the ":action" suffix gin's router cannot parse
// out of the path segment and routes to the matching handler.
func (h *Handlers) dispatchAction(c *gin.Context) {
	modelAction := c.Param("modelAction")
	model, action, found := strings.Cut(modelAction, ":")
	if !found {
		apierrors.Abort(c, apierrors.New(apierrors.KindInvalidRequest, "missing action suffix on model path", nil))
		return
	}
	c.Params = append(c.Params, gin.Param{Key: "model", Value: model})

	switch action {
	case "generateContent":
		h.GenerateContent(c)
	case "streamGenerateContent":
		h.StreamGenerateContent(c)
	default:
		apierrors.Abort(c, apierrors.New(apierrors.KindInvalidRequest, "unknown action: "+action, nil))
	}
}

func (h *Handlers) parseRequest(c *gin.Context) (*executor.GenerateRequest, bool) {
	var req executor.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.Abort(c, apierrors.New(apierrors.KindInvalidRequest, "malformed request body", err))
		return nil, false
	}
	return &req, true
}

// GenerateContent handles POST /v1beta/models/{m}:generateContent.
func (h *Handlers) GenerateContent(c *gin.Context) {
	req, ok := h.parseRequest(c)
	if !ok {
		return
	}

	resp, err := h.exec.GenerateUnary(c.Request.Context(), getUserID(c), getAPIKeyID(c), c.Param("model"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// StreamGenerateContent handles POST /v1beta/models/{m}:streamGenerateContent,
// framing each executor chunk as an SSE `data: <json>\n\n` line and a
// terminal `data: [DONE]\n\n` (§6).
func (h *Handlers) StreamGenerateContent(c *gin.Context) {
	req, ok := h.parseRequest(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, canFlush := c.Writer.(http.Flusher)
	writer := bufio.NewWriter(c.Writer)

	err := h.exec.GenerateStreaming(c.Request.Context(), getUserID(c), getAPIKeyID(c), c.Param("model"), req, func(chunk *executor.GenerateResponse) error {
		payload, marshalErr := json.Marshal(chunk)
		if marshalErr != nil {
			return marshalErr
		}
		if _, writeErr := fmt.Fprintf(writer, "data: %s\n\n", payload); writeErr != nil {
			return writeErr
		}
		if flushErr := writer.Flush(); flushErr != nil {
			return flushErr
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})

	if err != nil {
		h.log.Warn("streaming request ended with error", "error", err)
		if apiErr, ok := err.(*apierrors.Error); ok {
			apierrors.Respond(c, apiErr)
			return
		}
	}

	fmt.Fprint(writer, "data: [DONE]\n\n")
	writer.Flush()
	if canFlush {
		flusher.Flush()
	}
}

func respondError(c *gin.Context, err error) {
	if apiErr, ok := err.(*apierrors.Error); ok {
		apierrors.Abort(c, apiErr)
		return
	}
	apierrors.Abort(c, apierrors.New(apierrors.KindInternal, "internal error", err))
}
