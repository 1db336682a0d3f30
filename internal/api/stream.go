package api

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
)

// StreamResponse is a successful response whose body has not been read.
// The caller must Close it.
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Close releases the underlying connection.
func (s *StreamResponse) Close() error {
	return s.Body.Close()
}

// Lines calls fn for every line of the body as it arrives, stopping at EOF,
// on the first fn error, or when ctx ends.
func (s *StreamResponse) Lines(ctx context.Context, fn func(line string) error) error {
	scanner := bufio.NewScanner(s.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// Stream issues env and returns the live response body. It follows the same
// authorization policy and failure taxonomy as Do. Only error responses are
// read here, and only into a buffer kept on the RequestError, so a successful
// body reaches the caller untouched.
func (c *Client) Stream(ctx context.Context, env *Envelope) (*StreamResponse, error) {
	streamed := *env
	streamed.Stream = true

	resp, err := c.roundTrip(ctx, c.streamClient, &streamed)
	if err != nil {
		return nil, err
	}

	if !isSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		reqErr := newRequestError(resp, env.Method, env.Path, body)

		c.logger.Warn("stream request failed",
			slog.String("method", env.Method),
			slog.String("path", env.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("message", reqErr.Message),
		)

		return nil, reqErr
	}

	c.logger.Debug("stream opened",
		slog.String("method", env.Method),
		slog.String("path", env.Path),
		slog.Int("status", resp.StatusCode),
	)

	return &StreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
