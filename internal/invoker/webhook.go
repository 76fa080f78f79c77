package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/transport"
)

// maxResponseBytes bounds how much of a webhook response body is read.
const maxResponseBytes = 64 << 20

// invokeWebhook POSTs the packaged context. All attempts share a single
// deadline. Network errors, including a response body cut short, are
// retried with linear backoff; HTTP error statuses are not.
func (i *Invoker) invokeWebhook(parent context.Context, cfg *transport.Config, ec *execctx.Context, res *Result) {
	payload, err := ec.PackageJSON()
	if err != nil {
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("encoding payload: %v", err))
		return
	}

	timeout := timeoutFor(cfg, ec)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	attempts := max(1, cfg.Params.Retries)
	delay := time.Duration(cfg.Params.RetryDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := i.newWebhookRequest(ctx, cfg, payload)
		if err != nil {
			res.fail(StatusFailure, ErrTypeError, err.Error())
			return
		}

		resp, err := i.httpClient.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			resp.Body.Close()
			if readErr == nil {
				applyWebhookResponse(res, resp.StatusCode, body)
				return
			}
			err = fmt.Errorf("reading webhook response: %w", readErr)
		}

		if ctx.Err() != nil {
			classifyDone(parent, res, timeout)
			return
		}
		lastErr = err
		i.logger.Debug("webhook attempt failed",
			zap.String("execution_id", ec.ExecutionID),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			classifyDone(parent, res, timeout)
			return
		case <-time.After(delay * time.Duration(attempt)):
		}
	}

	res.fail(StatusFailure, ErrTypeError,
		fmt.Sprintf("webhook failed after %d attempt(s): %v", attempts, lastErr))
}

func (i *Invoker) newWebhookRequest(ctx context.Context, cfg *transport.Config, payload []byte) (*http.Request, error) {
	method := cfg.Params.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.Params.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range cfg.Params.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// webhookResponse is the optional structure of an agent's reply.
type webhookResponse struct {
	Stdout   *string          `json:"stdout"`
	Stderr   string           `json:"stderr"`
	Artifact any              `json:"artifact"`
	Result   any              `json:"result"`
	Logs     []map[string]any `json:"logs"`
}

// applyWebhookResponse fills res from an HTTP reply. Bodies that are not
// the expected object are kept as stdout for later extraction.
func applyWebhookResponse(res *Result, status int, body []byte) {
	res.ExitCode = 0
	res.Stdout = string(body)

	var parsed webhookResponse
	if err := json.Unmarshal(body, &parsed); err == nil && looksLikeObject(body) {
		if parsed.Stdout != nil {
			res.Stdout = *parsed.Stdout
		}
		res.Stderr = parsed.Stderr
		res.Logs = parsed.Logs
		switch {
		case parsed.Artifact != nil:
			res.Artifact = parsed.Artifact
		case parsed.Result != nil:
			res.Artifact = parsed.Result
		}
	}

	if status < 200 || status > 299 {
		res.ExitCode = 1
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("webhook returned HTTP %d", status))
		return
	}
	res.succeed()
}

func looksLikeObject(body []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(body)), "{")
}
