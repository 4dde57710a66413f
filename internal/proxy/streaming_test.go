package proxy

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/zorgspace/slashbot-web/internal/tokens"
	"pgregory.net/rapid"
)

func TestStreamMeterWithholdsDone(t *testing.T) {
	var out bytes.Buffer
	m := NewStreamMeter(&out, nil)

	in := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\ndata: [DONE]\n\n"
	if _, err := m.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if strings.Contains(out.String(), "[DONE]") {
		t.Fatalf("upstream marker must be withheld: %q", out.String())
	}
	if !m.Done() || m.Frames() != 2 {
		t.Fatalf("expected done after two frames, got done=%v frames=%d", m.Done(), m.Frames())
	}
}

func TestStreamMeterHandlesCRLFAndMultiLineData(t *testing.T) {
	var out bytes.Buffer
	m := NewStreamMeter(&out, nil)

	in := "event: message\r\ndata: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\ndata: [DONE]\r\n\r\n"
	m.Write([]byte(in))
	m.Close()

	if out.String() != "event: message\r\ndata: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\n" {
		t.Fatalf("unexpected relay: %q", out.String())
	}
	if got := m.Usage(7); got.CompletionTokens != tokens.CountTokens("x") || got.PromptTokens != 7 {
		t.Fatalf("unexpected usage: %+v", got)
	}
}

func TestStreamMeterForwardsMalformedFrames(t *testing.T) {
	var out bytes.Buffer
	m := NewStreamMeter(&out, nil)

	in := "data: {not json\n\n: comment\n\nretry: 100\n\n"
	m.Write([]byte(in))
	m.Close()
	if out.String() != in {
		t.Fatalf("malformed frames must pass through: %q", out.String())
	}
	if u := m.Usage(0); u.CompletionTokens != 0 {
		t.Fatalf("no content expected, got %+v", u)
	}
}

func TestStreamMeterPrefersReportedUsage(t *testing.T) {
	var out bytes.Buffer
	m := NewStreamMeter(&out, nil)

	m.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}],\"usage\":null}\n\n"))
	m.Write([]byte("data: {\"choices\":[],\"usage\":{\"prompt_tokens\":0,\"completion_tokens\":42,\"completion_tokens_details\":{\"reasoning_tokens\":5}}}\n\n"))
	m.Close()

	u := m.Usage(11)
	if u.PromptTokens != 11 || u.CompletionTokens != 42 || u.TotalTokens != 53 || u.ReasoningTokens != 5 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestStreamMeterForwardsTrailingBytes(t *testing.T) {
	var out bytes.Buffer
	m := NewStreamMeter(&out, nil)

	m.Write([]byte("data: {\"choices\":[]}"))
	if out.Len() != 0 {
		t.Fatalf("incomplete frame must be held back, got %q", out.String())
	}
	m.Close()
	if out.String() != "data: {\"choices\":[]}" {
		t.Fatalf("trailing bytes must be forwarded on close, got %q", out.String())
	}
}

func TestStreamMeterFinish(t *testing.T) {
	var out bytes.Buffer
	m := NewStreamMeter(&out, nil)
	if err := m.Finish(&Billing{Model: "grok-code-fast-1", Cost: BillingCost{Credits: 3}}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	want := "data: {\"billing\":{"
	if !strings.HasPrefix(out.String(), want) || !strings.HasSuffix(out.String(), "}}\n\ndata: [DONE]\n\n") {
		t.Fatalf("unexpected trailer: %q", out.String())
	}
}

// TestProperty1_StreamMeterIsTransparent checks that however the upstream
// bytes are split, the client receives them unchanged minus the marker and
// the counted content is the concatenated deltas.
func TestProperty1_StreamMeterIsTransparent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		deltas := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z ,.!?]{0,12}`), 1, 8).Draw(rt, "deltas")
		sep := rapid.SampledFrom([]string{"\n\n", "\r\n\r\n"}).Draw(rt, "sep")

		var body strings.Builder
		for _, d := range deltas {
			fmt.Fprintf(&body, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}%s", d, sep)
		}
		relayed := body.String()
		body.WriteString("data: [DONE]" + sep)
		raw := []byte(body.String())

		var out bytes.Buffer
		m := NewStreamMeter(&out, nil)
		for len(raw) > 0 {
			n := rapid.IntRange(1, len(raw)).Draw(rt, "chunk")
			if _, err := m.Write(raw[:n]); err != nil {
				rt.Fatalf("Write: %v", err)
			}
			raw = raw[n:]
		}
		if err := m.Close(); err != nil {
			rt.Fatalf("Close: %v", err)
		}

		if out.String() != relayed {
			rt.Fatalf("relay changed bytes:\n got %q\nwant %q", out.String(), relayed)
		}
		if !m.Done() {
			rt.Fatal("marker not detected")
		}
		want := tokens.CountTokens(strings.Join(deltas, ""))
		if got := m.Usage(0).CompletionTokens; got != want {
			rt.Fatalf("expected %d completion tokens, got %d", want, got)
		}
	})
}
