package answer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/provider"
)

// scriptedLLM replays deltas, then returns err. With block it waits for
// cancellation after the deltas.
type scriptedLLM struct {
	deltas   []string
	err      error
	block    bool
	messages []llm.Message
	calls    int
}

func (s *scriptedLLM) StreamChat(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams, onDelta func(string) error) error {
	s.calls++
	s.messages = messages
	for _, d := range s.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func contextChunks() []model.RetrievalCandidate {
	return []model.RetrievalCandidate{
		{Chunk: model.Chunk{ID: "c1", DocumentID: "d1", Page: 2, Text: "The deductible is $500 per claim. It applies to all vehicles."}},
		{Chunk: model.Chunk{ID: "c2", DocumentID: "d1", Page: 4, Kind: model.ChunkTable, Summary: "Table with 3 rows and 2 columns.", Text: "| a | b |"}},
		{Chunk: model.Chunk{ID: "c3", DocumentID: "d1", Page: 7, Text: "Carrier: Acme Mutual."}},
	}
}

func drain(ch <-chan model.AnswerEvent) []model.AnswerEvent {
	var out []model.AnswerEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func types(events []model.AnswerEvent) []model.EventType {
	out := make([]model.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type()
	}
	return out
}

func TestStream_EventOrder(t *testing.T) {
	fake := &scriptedLLM{deltas: []string{"The deductible is $500 [1]", ", carrier Acme [3]."}}
	a := NewAssembler(fake, config.LLMPromptConfig{}, nil)

	score := model.Score{Value: 0.8, Source: model.ScoreReranker}
	events := drain(a.Stream(context.Background(), Request{
		Question: "What is the deductible?", Context: contextChunks(),
		Confidence: model.ConfidenceHigh, TopScore: score,
	}))

	assert.Equal(t, []model.EventType{
		model.EventTextDelta, model.EventTextDelta,
		model.EventCitation, model.EventCitation,
		model.EventConfidence, model.EventDone,
	}, types(events))

	assert.Equal(t, "c1", events[2].(model.CitationEvent).Citation.ChunkID)
	assert.Equal(t, 7, events[3].(model.CitationEvent).Citation.Page)
	assert.Equal(t, model.ConfidenceEvent{Label: model.ConfidenceHigh, TopScore: score}, events[4])

	result := events[5].(model.Done).Result
	assert.Equal(t, "The deductible is $500 [1], carrier Acme [3].", result.Text)
	assert.Len(t, result.Citations, 2)
	assert.Equal(t, model.ConfidenceHigh, result.Confidence)

	system := fake.messages[0].Content
	assert.Contains(t, system, "[1] (page 2) The deductible is $500 per claim.")
	assert.Contains(t, system, "[2] (page 4) Table with 3 rows and 2 columns.\n| a | b |")
	assert.Equal(t, llm.Message{Role: "user", Content: "What is the deductible?"}, fake.messages[len(fake.messages)-1])
}

func TestStream_UncitedAnswerCitesAllContext(t *testing.T) {
	a := NewAssembler(&scriptedLLM{deltas: []string{"See the policy."}}, config.LLMPromptConfig{}, nil)
	result, err := Collect(a.Stream(context.Background(), Request{Question: "q", Context: contextChunks()}))
	require.NoError(t, err)
	require.Len(t, result.Citations, 3)
	assert.Equal(t, "c1", result.Citations[0].ChunkID)
	assert.Equal(t, "Table with 3 rows and 2 columns.", result.Citations[1].Quote)
}

func TestStream_NoContextStillAnswers(t *testing.T) {
	fake := &scriptedLLM{deltas: []string{"The document does not cover that."}}
	a := NewAssembler(fake, config.LLMPromptConfig{NoResultText: "NO RESULTS"}, nil)

	events := drain(a.Stream(context.Background(), Request{Question: "q", Confidence: model.ConfidenceNotFound}))
	assert.Equal(t, []model.EventType{model.EventTextDelta, model.EventConfidence, model.EventDone}, types(events))
	assert.Equal(t, model.ConfidenceNotFound, events[1].(model.ConfidenceEvent).Label)
	assert.Contains(t, fake.messages[0].Content, "NO RESULTS")
	assert.Empty(t, events[2].(model.Done).Result.Citations)
}

func TestStream_MidStreamErrorKeepsPartialText(t *testing.T) {
	fake := &scriptedLLM{deltas: []string{"Partial ", "answer"}, err: provider.Classify("llm", 503, errors.New("upstream reset"))}
	a := NewAssembler(fake, config.LLMPromptConfig{}, nil, WithRetry(noWait(3)))

	events := drain(a.Stream(context.Background(), Request{Question: "q", Context: contextChunks()}))
	assert.Equal(t, 1, fake.calls, "a stream that already sent text is not replayed")
	assert.Equal(t, []model.EventType{model.EventTextDelta, model.EventTextDelta, model.EventError}, types(events))
	assert.Equal(t, "Partial ", events[0].(model.TextDelta).Text)
	assert.Equal(t, msgGenerationFailed, events[2].(model.ErrorEvent).Message)

	_, err := Collect(a.Stream(context.Background(), Request{Question: "q"}))
	assert.Error(t, err)
}

func TestStream_CancelClosesWithoutError(t *testing.T) {
	fake := &scriptedLLM{deltas: []string{"Start"}, block: true}
	a := NewAssembler(fake, config.LLMPromptConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := a.Stream(ctx, Request{Question: "q", Context: contextChunks()})

	first := <-events
	assert.Equal(t, model.EventTextDelta, first.Type())
	cancel()

	var rest []model.AnswerEvent
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if ok {
				rest = append(rest, ev)
			}
			done = !ok
		case <-timeout:
			t.Fatal("stream did not close after cancel")
		}
	}
	assert.Empty(t, rest)
}

func TestQuote(t *testing.T) {
	short := model.Chunk{Text: "One sentence.\nAnother   one."}
	assert.Equal(t, "One sentence. Another one.", Quote(short))

	long := model.Chunk{Text: strings.Repeat("Word ", 40) + "ends here. " + strings.Repeat("More text follows ", 30) + "."}
	q := Quote(long)
	assert.True(t, strings.HasSuffix(q, "ends here."), q)

	noStop := model.Chunk{Text: strings.Repeat("x ", 400)}
	q = Quote(noStop)
	assert.LessOrEqual(t, len([]rune(q)), MaxQuoteRunes)
	assert.True(t, strings.HasSuffix(q, "…"))

	table := model.Chunk{Kind: model.ChunkTable, Summary: "Table with 20 rows.", Text: "| a |"}
	assert.Equal(t, "Table with 20 rows.", Quote(table))
}

func TestReferenced(t *testing.T) {
	assert.Equal(t, []int{0, 2}, referenced("a [3] b [1] c [1]", 3))
	assert.Equal(t, []int{0, 1}, referenced("out of range [9] [0]", 2))
	assert.Equal(t, []int{1}, referenced("[2]", 2))
}

func noWait(attempts int) provider.Backoff {
	return provider.Backoff{MaxAttempts: attempts, Sleep: func(context.Context, time.Duration) error { return nil }}
}

// flakyLLM fails the first len(errs) calls before sending anything, then
// streams deltas.
type flakyLLM struct {
	errs   []error
	deltas []string
	calls  int
}

func (f *flakyLLM) StreamChat(_ context.Context, _ []llm.Message, _ *llm.GenerationParams, onDelta func(string) error) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func TestStream_TransientErrorBeforeFirstTokenIsRetried(t *testing.T) {
	fake := &flakyLLM{
		errs:   []error{provider.Classify("llm", 503, errors.New("overloaded"))},
		deltas: []string{"ok ", "[1]"},
	}
	a := NewAssembler(fake, config.LLMPromptConfig{}, nil, WithRetry(noWait(3)))

	events := drain(a.Stream(context.Background(), Request{Question: "q", Context: contextChunks(), Confidence: model.ConfidenceHigh}))
	assert.Equal(t, 2, fake.calls)
	assert.Equal(t, []model.EventType{
		model.EventTextDelta, model.EventTextDelta, model.EventCitation, model.EventConfidence, model.EventDone,
	}, types(events))
	assert.Equal(t, "ok [1]", events[len(events)-1].(model.Done).Result.Text)
}

func TestStream_PermanentErrorBeforeFirstTokenIsNotRetried(t *testing.T) {
	fake := &flakyLLM{errs: []error{provider.Classify("llm", 401, errors.New("bad key"))}, deltas: []string{"never"}}
	a := NewAssembler(fake, config.LLMPromptConfig{}, nil, WithRetry(noWait(3)))

	events := drain(a.Stream(context.Background(), Request{Question: "q", Context: contextChunks()}))
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, []model.EventType{model.EventError}, types(events))
}

func TestStream_RetriesStopAtMaxAttempts(t *testing.T) {
	unavailable := provider.Classify("llm", 503, errors.New("overloaded"))
	fake := &flakyLLM{errs: []error{unavailable, unavailable, unavailable}, deltas: []string{"late"}}
	a := NewAssembler(fake, config.LLMPromptConfig{}, nil, WithRetry(noWait(2)))

	events := drain(a.Stream(context.Background(), Request{Question: "q"}))
	assert.Equal(t, 2, fake.calls)
	assert.Equal(t, []model.EventType{model.EventError}, types(events))
}
