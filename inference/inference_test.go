package inference

import (
	"context"
	"errors"
	"testing"
)

func TestUsageTotal(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5}
	if u.Total() != 15 {
		t.Fatalf("Total() = %d, want 15", u.Total())
	}
}

func TestFromChatModelWrapsSingleUserMessage(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "hello", Usage: Usage{PromptTokens: 1, CompletionTokens: 2}}}}
	gen := FromChatModel(mock)

	text, usage, err := gen.Generate(context.Background(), "any-model", "a prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "hello" {
		t.Fatalf("text = %q, want hello", text)
	}
	if usage.Total() != 3 {
		t.Fatalf("usage.Total() = %d, want 3", usage.Total())
	}

	if len(mock.Calls) != 1 {
		t.Fatalf("len(Calls) = %d, want 1", len(mock.Calls))
	}
	call := mock.Calls[0]
	if len(call.Messages) != 1 || call.Messages[0].Role != RoleUser || call.Messages[0].Content != "a prompt" {
		t.Fatalf("unexpected wrapped message: %+v", call.Messages)
	}
}

func TestFromChatModelPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	mock := &MockChatModel{Err: wantErr}
	gen := FromChatModel(mock)

	_, _, err := gen.Generate(context.Background(), "any-model", "a prompt")
	if !errors.Is(err, wantErr) {
		t.Fatalf("Generate error = %v, want %v", err, wantErr)
	}
}

func TestMockChatModelRepeatsLastResponse(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "first"}, {Text: "second"}}}
	ctx := context.Background()

	out1, _ := mock.Chat(ctx, nil, nil)
	out2, _ := mock.Chat(ctx, nil, nil)
	out3, _ := mock.Chat(ctx, nil, nil)

	if out1.Text != "first" || out2.Text != "second" || out3.Text != "second" {
		t.Fatalf("got %q, %q, %q; want first, second, second", out1.Text, out2.Text, out3.Text)
	}
	if mock.CallCount() != 3 {
		t.Fatalf("CallCount() = %d, want 3", mock.CallCount())
	}
}

func TestMockChatModelResetClearsHistory(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}
	ctx := context.Background()
	_, _ = mock.Chat(ctx, nil, nil)
	mock.Reset()
	if mock.CallCount() != 0 {
		t.Fatalf("CallCount() after Reset() = %d, want 0", mock.CallCount())
	}
}

func TestMockChatModelRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}
	_, err := mock.Chat(ctx, nil, nil)
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}
