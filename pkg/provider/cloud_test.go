package provider

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeModel replays scripted replies; once exhausted it repeats the last one.
type fakeModel struct {
	mu       sync.Mutex
	replies  []fakeReply
	calls    int
	messages []*schema.Message
}

type fakeReply struct {
	content string
	err     error
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = input
	r := f.replies[min(f.calls, len(f.replies)-1)]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &schema.Message{Role: schema.Assistant, Content: r.content}, nil
}

func TestCloudInvoke(t *testing.T) {
	fm := &fakeModel{replies: []fakeReply{{content: "```json\n" + validReport + "\n```"}}}
	c := newCloud(CloudConfig{Retry: fastRetry(3)}, fm, testLogger())

	res, err := c.Invoke(context.Background(), testJob(models.AnalysisReport))
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != models.ProviderCloud || res.Type != models.AnalysisReport {
		t.Errorf("unexpected result metadata: %+v", res)
	}
	if len(fm.messages) != 2 || fm.messages[0].Role != schema.System {
		t.Errorf("expected system and user messages, got %d", len(fm.messages))
	}
}

func TestCloudRetriesRateLimit(t *testing.T) {
	fm := &fakeModel{replies: []fakeReply{
		{err: errors.New("error, status code: 429, message: Too Many Requests")},
		{content: validPattern},
	}}
	c := newCloud(CloudConfig{Retry: fastRetry(3)}, fm, testLogger())

	if _, err := c.Invoke(context.Background(), testJob(models.AnalysisPattern)); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if fm.calls != 2 {
		t.Errorf("expected 2 calls, got %d", fm.calls)
	}
}

func TestCloudErrorKinds(t *testing.T) {
	tests := []struct {
		name  string
		reply fakeReply
		want  error
	}{
		{"rate limited", fakeReply{err: errors.New("status code: 429")}, ErrRateLimited},
		{"timeout", fakeReply{err: context.DeadlineExceeded}, ErrTimeout},
		{"server error", fakeReply{err: errors.New("status code: 503")}, ErrUnavailable},
		{"garbage", fakeReply{content: "sorry"}, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeModel{replies: []fakeReply{tt.reply}}
			c := newCloud(CloudConfig{Retry: fastRetry(2)}, fm, testLogger())
			_, err := c.Invoke(context.Background(), testJob(models.AnalysisPattern))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			var pe *Error
			if !errors.As(err, &pe) || pe.Provider != models.ProviderCloud {
				t.Errorf("expected *Error from cloud, got %T", err)
			}
		})
	}
}

func TestCloudRequestBudget(t *testing.T) {
	fm := &fakeModel{replies: []fakeReply{{content: validPattern}}}
	c := newCloud(CloudConfig{RequestsPerMinute: 1, Burst: 1, Retry: fastRetry(1)}, fm, testLogger())

	if _, err := c.Invoke(context.Background(), testJob(models.AnalysisPattern)); err != nil {
		t.Fatal(err)
	}
	_, err := c.Invoke(context.Background(), testJob(models.AnalysisPattern))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected rate limited once the budget is spent, got %v", err)
	}
	if fm.calls != 1 {
		t.Errorf("limited call should not reach the model, got %d calls", fm.calls)
	}
}

func TestCloudWithoutKey(t *testing.T) {
	c, err := NewCloud(context.Background(), CloudConfig{Model: "gemini-2.0-flash"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Invoke(context.Background(), testJob(models.AnalysisPattern))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected unavailable without a key, got %v", err)
	}
}
