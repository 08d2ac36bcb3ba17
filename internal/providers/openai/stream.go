package openai

import (
	"errors"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/stream"
)

const doneMarker = "[DONE]"

// NewStreamDecoder classifies chat.completion.chunk events. Azure OpenAI
// emits the same framing and reuses it.
func NewStreamDecoder() stream.Decoder {
	return stream.DecoderFunc(decodeChunk)
}

func decodeChunk(ev stream.Event) (stream.Classified, error) {
	data := ev.Data
	if string(data) == doneMarker {
		return stream.Classified{Kind: stream.KindDone}, nil
	}
	if len(data) == 0 {
		return stream.Classified{Kind: stream.KindHeartbeat}, nil
	}
	if !gjson.ValidBytes(data) {
		return stream.Classified{}, errors.New("chunk is not valid JSON")
	}

	root := gjson.ParseBytes(data)
	if e := root.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return stream.Classified{Kind: stream.KindError, Message: msg}, nil
	}

	var c stream.Classified
	if u := root.Get("usage"); u.IsObject() {
		c.Usage = &providers.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
		}
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		// Usage-only chunks and Azure's prompt_filter_results preamble.
		c.Kind = stream.KindMetadata
		return c, nil
	}

	c.Index = int(choice.Get("index").Int())
	c.Content = choice.Get("delta.content").String()
	if reason := choice.Get("finish_reason").String(); reason != "" {
		c.Kind = stream.KindFinish
		c.FinishReason = reason
		return c, nil
	}
	if c.Content == "" {
		c.Kind = stream.KindMetadata
		return c, nil
	}
	c.Kind = stream.KindContent
	return c, nil
}
