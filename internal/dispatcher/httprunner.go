package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/models"
)

// HTTPRunner delivers turns to agent runtimes over HTTP. The target URL
// comes from the "endpoint" key of the agent's config JSON; agents without
// one are driven externally through the inbox API and their turns are
// skipped here.
type HTTPRunner struct {
	client *http.Client
	logger *logger.Logger
}

// NewHTTPRunner creates a runner. The per-turn deadline comes from the
// dispatcher's context, so the client itself carries no timeout.
func NewHTTPRunner(log *logger.Logger) *HTTPRunner {
	return &HTTPRunner{
		client: &http.Client{},
		logger: log.WithFields(zap.String("component", "http-runner")),
	}
}

type turnPayload struct {
	Agent    *models.Agent    `json:"agent"`
	Messages []models.Message `json:"messages"`
	SentAt   time.Time        `json:"sent_at"`
}

type agentEndpointConfig struct {
	Endpoint string `json:"endpoint"`
}

// RunTurn posts the coalesced inbox batch to the agent's endpoint. Any
// non-2xx response is an error, which leaves the batch unprocessed for a
// later retry.
func (r *HTTPRunner) RunTurn(ctx context.Context, agent *models.Agent, messages []models.Message) error {
	var cfg agentEndpointConfig
	if agent.Config != "" {
		if err := json.Unmarshal([]byte(agent.Config), &cfg); err != nil {
			return apperr.New(apperr.Validation, "agent %s has malformed config", agent.ID)
		}
	}
	if cfg.Endpoint == "" {
		r.logger.Debug("agent has no endpoint, skipping turn",
			zap.String("agent_id", agent.ID),
			zap.Int("messages", len(messages)))
		return ErrSkipTurn
	}

	body, err := json.Marshal(turnPayload{Agent: agent, Messages: messages, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode turn payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.External, err, "turn delivery to %s failed", cfg.Endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.New(apperr.External, "agent runtime returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
