package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/stream"
)

// NewStreamDecoder classifies Messages API stream events.
func NewStreamDecoder() stream.Decoder {
	return stream.DecoderFunc(decodeEvent)
}

func decodeEvent(ev stream.Event) (stream.Classified, error) {
	if len(ev.Data) == 0 {
		if ev.Name == "ping" {
			return stream.Classified{Kind: stream.KindHeartbeat}, nil
		}
		return stream.Classified{}, fmt.Errorf("event %q has no data", ev.Name)
	}
	if !gjson.ValidBytes(ev.Data) {
		return stream.Classified{}, errors.New("event data is not valid JSON")
	}

	typ := ev.Name
	if t := gjson.GetBytes(ev.Data, "type"); t.Exists() {
		typ = t.String()
	}

	switch typ {
	case "ping":
		return stream.Classified{Kind: stream.KindHeartbeat}, nil

	case "message_start":
		var e messageStartEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return stream.Classified{}, err
		}
		return stream.Classified{
			Kind: stream.KindMetadata,
			Usage: &providers.Usage{
				PromptTokens:     e.Message.Usage.InputTokens,
				CompletionTokens: e.Message.Usage.OutputTokens,
			},
		}, nil

	case "content_block_start":
		var e contentBlockStartEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return stream.Classified{}, err
		}
		if e.ContentBlock.Type == "text" && e.ContentBlock.Text != "" {
			return stream.Classified{Kind: stream.KindContent, Content: e.ContentBlock.Text}, nil
		}
		return stream.Classified{Kind: stream.KindMetadata}, nil

	case "content_block_delta":
		var e contentBlockDeltaEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return stream.Classified{}, err
		}
		if e.Delta.Type != "text_delta" {
			// thinking, signature and tool input deltas carry no text
			return stream.Classified{Kind: stream.KindMetadata}, nil
		}
		return stream.Classified{Kind: stream.KindContent, Content: e.Delta.Text}, nil

	case "message_delta":
		var e messageDeltaEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return stream.Classified{}, err
		}
		c := stream.Classified{
			Kind:  stream.KindMetadata,
			Usage: &providers.Usage{PromptTokens: e.Usage.InputTokens, CompletionTokens: e.Usage.OutputTokens},
		}
		if e.Delta.StopReason != "" {
			c.Kind = stream.KindFinish
			c.FinishReason = MapStopReason(e.Delta.StopReason)
		}
		return c, nil

	case "message_stop":
		return stream.Classified{Kind: stream.KindDone}, nil

	case "error":
		var e apiError
		if err := json.Unmarshal(ev.Data, &e); err != nil || e.Error == nil {
			return stream.Classified{}, fmt.Errorf("undecodable error event: %s", ev.Data)
		}
		return stream.Classified{
			Kind:    stream.KindError,
			Message: e.Error.Message,
			Status:  errorStatus(e.Error.Type),
		}, nil
	}

	// content_block_stop and event types added after this was written.
	return stream.Classified{Kind: stream.KindMetadata}, nil
}

// errorStatus maps an Anthropic error type to the HTTP status it is
// returned with on non-streaming calls.
func errorStatus(typ string) int {
	switch typ {
	case "invalid_request_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "not_found_error":
		return http.StatusNotFound
	case "request_too_large":
		return http.StatusRequestEntityTooLarge
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "overloaded_error":
		return 529
	default:
		return http.StatusInternalServerError
	}
}
