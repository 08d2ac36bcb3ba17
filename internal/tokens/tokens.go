// Package tokens estimates token counts for streamed responses whose
// upstream did not report usage.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// Encoding names understood by tiktoken.
const (
	EncodingCL100kBase = "cl100k_base"
	EncodingO200kBase  = "o200k_base"
)

// Per-message framing overhead and reply priming, as OpenAI documents them.
const (
	messageOverhead    = 3
	messageOverhead35  = 4
	replyPrimingTokens = 3
)

// Longest prefixes first.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"text-embedding", EncodingCL100kBase},
	{"azure-gpt-4o", EncodingO200kBase},
	{"gpt-4o", EncodingO200kBase},
	{"gpt-3.5", EncodingCL100kBase},
	{"gpt-35", EncodingCL100kBase},
	{"gpt-4", EncodingCL100kBase},
	{"chatgpt", EncodingO200kBase},
	{"o1", EncodingO200kBase},
	{"o3", EncodingO200kBase},
}

// Counter caches loaded encodings. An encoding that cannot be loaded (the
// BPE ranks are fetched on first use) is remembered and the counter falls
// back to a character estimate for it.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool

	load func(name string) (*tiktoken.Tiktoken, error)
}

func New() *Counter {
	return NewWithLoader(tiktoken.GetEncoding)
}

// NewWithLoader uses load instead of tiktoken.GetEncoding, e.g. to read
// encodings from an offline loader.
func NewWithLoader(load func(name string) (*tiktoken.Tiktoken, error)) *Counter {
	return &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
		load:      load,
	}
}

// EncodingFor returns the tiktoken encoding used for model. Unknown models,
// Claude included, use cl100k_base.
func EncodingFor(model string) string {
	m := strings.ToLower(model)
	for _, me := range modelEncodings {
		if strings.HasPrefix(m, me.prefix) {
			return me.encoding
		}
	}
	return EncodingCL100kBase
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc := c.encoding(EncodingFor(model))
	if enc == nil {
		return Estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages returns the prompt size of a conversation, including the
// per-message framing.
func (c *Counter) CountMessages(msgs []providers.Message, model string) int {
	overhead := messageOverhead
	if m := strings.ToLower(model); strings.HasPrefix(m, "gpt-3.5") || strings.HasPrefix(m, "gpt-35") {
		overhead = messageOverhead35
	}

	total := replyPrimingTokens
	for _, msg := range msgs {
		total += overhead + c.Count(msg.Role, model) + c.Count(msg.Content, model)
	}
	return total
}

// Usage builds a Usage for a streamed exchange from the request and the
// concatenated completion text.
func (c *Counter) Usage(req *providers.ChatRequest, completion string) providers.Usage {
	return providers.NewUsage(c.CountMessages(req.Messages, req.Model), c.Count(completion, req.Model))
}

// Estimate is the fallback: one token per four characters, rounded up.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

func (c *Counter) encoding(name string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encodings[name]
	failed := c.failed[name]
	c.mu.RUnlock()
	if ok {
		return enc
	}
	if failed {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok = c.encodings[name]; ok {
		return enc
	}
	if c.failed[name] {
		return nil
	}
	enc, err := c.load(name)
	if err != nil {
		c.failed[name] = true
		return nil
	}
	c.encodings[name] = enc
	return enc
}
