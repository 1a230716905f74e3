package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

func TestSlackNotify(t *testing.T) {
	var gotChannel, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		gotChannel = r.FormValue("channel")
		gotText = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "C1", slack.OptionAPIURL(srv.URL+"/"))
	err := s.Notify(context.Background(), Notification{
		SessionID: "s1", Status: "completed", Title: "Evaluation finished", Body: "5 tasks",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotChannel != "C1" {
		t.Errorf("channel = %q", gotChannel)
	}
	if !strings.Contains(gotText, "[completed] Evaluation finished") || !strings.Contains(gotText, "5 tasks") {
		t.Errorf("text = %q", gotText)
	}
}

type fakeDiscord struct {
	channel, content string
	err              error
}

func (f *fakeDiscord) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel, f.content = channelID, content
	return &discordgo.Message{ID: "m1"}, f.err
}

func TestDiscordNotifyTruncates(t *testing.T) {
	fake := &fakeDiscord{}
	d := &Discord{session: fake, channelID: "chan"}
	err := d.Notify(context.Background(), Notification{
		SessionID: "s1", Status: "failed", Title: "t", Body: strings.Repeat("x", 3000),
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if fake.channel != "chan" {
		t.Errorf("channel = %q", fake.channel)
	}
	if n := len([]rune(fake.content)); n != discordMaxContent {
		t.Errorf("content length = %d, want %d", n, discordMaxContent)
	}
}

type stubNotifier struct {
	name  string
	err   error
	calls int
}

func (s *stubNotifier) Platform() string { return s.name }
func (s *stubNotifier) Notify(context.Context, Notification) error {
	s.calls++
	return s.err
}

func TestMultiContinuesPastFailure(t *testing.T) {
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	good := &stubNotifier{name: "good"}
	m := NewMulti(zap.NewNop(), bad, nil, good)
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}
	err := m.Notify(context.Background(), Notification{SessionID: "s"})
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Errorf("err = %v", err)
	}
	if good.calls != 1 {
		t.Error("later notifier not called after failure")
	}
}
