// Package tokens counts prompt tokens and parses upstream usage reports.
package tokens

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Per-message and per-conversation framing overhead.
const (
	MessageOverhead      = 4
	NameOverhead         = 1
	ConversationOverhead = 3
)

// Image token model: a base cost plus a cost per 512px tile.
const (
	ImageLowDetailTokens = 85
	imageBaseTokens      = 85
	imageTileTokens      = 170
	imageTileSize        = 512
	imageMaxDimension    = 2048
	imageShortSideMax    = 768
)

// DefaultImageTokens is charged for an image of unknown size.
const DefaultImageTokens = imageBaseTokens + imageTileTokens*4

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("BPE tokenizer unavailable, falling back to length estimate")
			return
		}
		enc = e
	})
	return enc
}

// CountTokens counts BPE tokens in text, estimating len/4 if the tokenizer
// is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := encoder(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// ImageTokens estimates the cost of one image. detail is "low", "high" or
// "auto"; zero dimensions mean the size is unknown.
func ImageTokens(width, height int, detail string) int {
	if width <= 0 || height <= 0 {
		return DefaultImageTokens
	}
	if detail == "low" {
		return ImageLowDetailTokens
	}

	w, h := float64(width), float64(height)
	if w > imageMaxDimension || h > imageMaxDimension {
		scale := imageMaxDimension / math.Max(w, h)
		w, h = math.Floor(w*scale), math.Floor(h*scale)
	}
	if short := math.Min(w, h); short > imageShortSideMax {
		scale := imageShortSideMax / short
		w, h = math.Floor(w*scale), math.Floor(h*scale)
	}
	tiles := int(math.Ceil(w/imageTileSize) * math.Ceil(h/imageTileSize))
	return imageBaseTokens + imageTileTokens*tiles
}

// Message is a chat message as sent by callers. Content is either a string
// or an array of typed parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// Breakdown splits a prompt's token count by origin.
type Breakdown struct {
	Total    int `json:"total"`
	Text     int `json:"text"`
	Images   int `json:"images"`
	Overhead int `json:"overhead"`
}

// CountMessageTokens counts the prompt tokens of messages.
func CountMessageTokens(messages []Message) Breakdown {
	var b Breakdown
	for _, m := range messages {
		b.Overhead += MessageOverhead
		if m.Name != "" {
			b.Text += CountTokens(m.Name)
			b.Overhead += NameOverhead
		}

		content := gjson.ParseBytes(m.Content)
		switch {
		case content.Type == gjson.String:
			b.Text += CountTokens(content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "text":
					b.Text += CountTokens(part.Get("text").String())
				case "image_url":
					b.Images += ImageTokens(0, 0, part.Get("image_url.detail").String())
				}
				return true
			})
		}
	}
	b.Overhead += ConversationOverhead
	b.Total = b.Text + b.Images + b.Overhead
	return b
}

// Usage is the token usage an upstream reports for a completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	CachedTokens     int `json:"cachedTokens"`
	ReasoningTokens  int `json:"reasoningTokens"`
}

// ParseUsage extracts the "usage" object from an OpenAI-style payload.
func ParseUsage(payload []byte) (*Usage, bool) {
	u := gjson.GetBytes(payload, "usage")
	if !u.IsObject() {
		return nil, false
	}
	usage := &Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		CachedTokens:     int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		ReasoningTokens:  int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage, true
}

// Accuracy scores an estimate against the actual count in [0, 100], rounded
// to two decimals. A zero actual is 100 only for a zero estimate.
func Accuracy(estimated, actual int) float64 {
	if actual == 0 {
		if estimated == 0 {
			return 100
		}
		return 0
	}
	diff := math.Abs(float64(estimated - actual))
	acc := math.Max(0, 100-diff/float64(actual)*100)
	return math.Round(acc*100) / 100
}
