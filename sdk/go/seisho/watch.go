package seisho

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ErrStopWatching may be returned by a Watch handler to end the stream
// without surfacing an error to the caller.
var ErrStopWatching = errStop{}

type errStop struct{}

func (errStop) Error() string { return "seisho: stop watching" }

// Watch streams a run's live progress over SSE and invokes handler for
// every frame. The first frame is always a status snapshot; for a run
// that already finished it is the only frame. Watch returns nil when
// the stream ends with the run finished, when the handler returns
// ErrStopWatching, or when ctx is canceled; any other handler error is
// returned as-is.
//
// Watch uses its own request without the client's timeout so the
// stream can outlive 30 seconds; bound it with ctx.
func (c *Client) Watch(ctx context.Context, id uuid.UUID, handler func(WatchFrame) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/runs/"+id.String()+"/watch", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Strip the per-request timeout; SSE connections are long-lived.
	hc := *c.client
	hc.Timeout = 0

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("seisho: watch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var env envelope
		apiErr := &Error{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Frame boundary.
			if eventName != "" && data.Len() > 0 {
				frame, err := decodeFrame(eventName, data.String())
				if err != nil {
					return err
				}
				if frame != nil {
					if err := handler(*frame); err != nil {
						if err == ErrStopWatching {
							return nil
						}
						return err
					}
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("seisho: watch stream: %w", err)
	}
	return nil
}

// decodeFrame parses one SSE frame into a WatchFrame. Unknown event
// names are skipped so future server frame types don't break clients.
func decodeFrame(eventName, data string) (*WatchFrame, error) {
	switch eventName {
	case "status_update":
		var run Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("seisho: decode status frame: %w", err)
		}
		return &WatchFrame{Kind: eventName, Run: &run}, nil
	case "agent_event":
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("seisho: decode event frame: %w", err)
		}
		return &WatchFrame{Kind: eventName, Event: &ev}, nil
	default:
		return nil, nil
	}
}
