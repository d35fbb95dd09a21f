package store

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zenflux/zenflux/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{UserID: "u1", Title: "weekend planning"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "weekend planning" || got.Status != models.ConversationActive {
		t.Errorf("unexpected conversation: %+v", got)
	}

	got.Title = "trip planning"
	if err := s.UpdateConversation(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	list, err := s.ListConversations(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Title != "trip planning" {
		t.Errorf("unexpected list: %+v", list)
	}

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); err != ErrNotFound {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteConversationCascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{UserID: "u1"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("hi")}}
	if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	n, err := s.CountMessages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages after cascade = %d, want 0", n)
	}
}

func TestListMessagesOrderAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{UserID: "u1"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	base := time.Now().UTC().Add(-time.Minute)
	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		msg := &models.Message{
			Role:      models.RoleUser,
			Content:   []models.ContentBlock{models.TextBlock(strings.Repeat("x", i+1))},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
			t.Fatal(err)
		}
		ids[i] = msg.ID
	}

	asc, err := s.ListMessages(ctx, conv.ID, 10, 0, "", "asc")
	if err != nil {
		t.Fatal(err)
	}
	if len(asc) != 3 || asc[0].ID != ids[0] || asc[2].ID != ids[2] {
		t.Errorf("unexpected asc order: %+v", asc)
	}

	before, err := s.ListMessages(ctx, conv.ID, 10, 0, ids[2], "asc")
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 2 {
		t.Errorf("before cursor returned %d messages, want 2", len(before))
	}
}

func TestSearchConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{UserID: "u1", Title: "database tuning notes"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{
		Role:    models.RoleAssistant,
		Content: []models.ContentBlock{models.TextBlock("the write-ahead log keeps commits durable under load")},
	}
	if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchConversations(ctx, "u1", "durable", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].MatchType != models.MatchContent {
		t.Errorf("match_type = %s, want content", results[0].MatchType)
	}
	if !strings.Contains(results[0].Snippet, "durable") {
		t.Errorf("snippet %q does not contain the match", results[0].Snippet)
	}

	byTitle, err := s.SearchConversations(ctx, "u1", "tuning", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(byTitle) != 1 || byTitle[0].MatchType != models.MatchTitle {
		t.Errorf("title search results: %+v", byTitle)
	}
}

func TestSnippetWindow(t *testing.T) {
	body := strings.Repeat("a", 300) + " needle " + strings.Repeat("b", 300)
	got := snippet(body, "needle", 20)
	if !strings.Contains(got, "needle") {
		t.Fatalf("snippet lost the match: %q", got)
	}
	if len(got) > 20*2+len("needle")+10 {
		t.Errorf("snippet too long: %d chars", len(got))
	}
}

func TestSnippetKeepsRuneBoundaries(t *testing.T) {
	body := strings.Repeat("机器学习模型训练", 30) + " needle " + strings.Repeat("数据集", 30)
	got := snippet(body, "needle", 25)
	if !strings.Contains(got, "needle") {
		t.Fatalf("snippet lost the match: %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("snippet produced invalid UTF-8: %q", got)
	}

	noMatch := snippet(strings.Repeat("深度学习", 50), "needle", 25)
	if !utf8.ValidString(noMatch) {
		t.Errorf("fallback snippet produced invalid UTF-8: %q", noMatch)
	}
}

func TestFragments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveFragment(ctx, &models.Fragment{UserID: "u1", SessionID: "s1"}); err == nil {
		t.Error("expected error for fragment without hints")
	}

	f := &models.Fragment{
		UserID:     "u1",
		SessionID:  "s1",
		Confidence: 0.9,
		Hints:      map[string]any{"topic": "travel", "preference": "window seat"},
	}
	if err := s.SaveFragment(ctx, f); err != nil {
		t.Fatalf("save: %v", err)
	}

	recent, err := s.QueryRecentFragments(ctx, "u1", 7, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recent) != 1 || recent[0].Hints["topic"] != "travel" {
		t.Errorf("unexpected fragments: %+v", recent)
	}

	n, err := s.CountFragmentsSince(ctx, "u1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestSkillCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := map[string]string{"pdf-tools": "ready"}
	if err := s.PutSkillCache(ctx, "catalogue:linux", in); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out map[string]string
	if err := s.GetSkillCache(ctx, "catalogue:linux", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out["pdf-tools"] != "ready" {
		t.Errorf("unexpected cache value: %+v", out)
	}
	if err := s.GetSkillCache(ctx, "absent", &out); err != ErrNotFound {
		t.Errorf("missing key = %v, want ErrNotFound", err)
	}
}

func TestWriteBehindPersistsMessages(t *testing.T) {
	s, err := Open(Options{DataDir: t.TempDir(), QueueSize: 64})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	conv := &models.Conversation{UserID: "u1", Title: "release notes"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	msg := &models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("ship the fix")}}
	if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	// The insert lands behind the queue; wait for the writer to apply it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, err := s.CountMessages(ctx, conv.ID); err == nil && n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued message never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frag := &models.Fragment{UserID: "u1", Hints: map[string]any{"preference": "prefers short answers"}}
	if err := s.SaveFragment(ctx, frag); err != nil {
		t.Fatalf("save fragment: %v", err)
	}
	if err := s.PutSkillCache(ctx, "catalogue", map[string]any{"n": 1}); err != nil {
		t.Fatalf("put skill cache: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		frags, err := s.QueryRecentFragments(ctx, "u1", 1, 10)
		if err == nil && len(frags) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued fragment never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// FTS rows ride the batch writer and flush on size or age.
	deadline = time.Now().Add(3 * time.Second)
	for {
		hits, err := s.SearchConversations(ctx, "u1", "ship", 10)
		if err == nil && len(hits) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batched index row never flushed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
