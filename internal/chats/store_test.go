package chats

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	return r.scanFunc(dest...)
}

type fakeQuerier struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if q.execFunc != nil {
		return q.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (q *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, nil
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if q.queryRowFunc != nil {
		return q.queryRowFunc(ctx, sql, args...)
	}
	return &fakeRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

const (
	testBotID  = "3e0f9a4e-9a94-4c39-9de5-08ab08c55f95"
	testChatID = "a7a4f7cd-0c89-43d2-8f27-5e1c36ac2b11"
)

func makeChatRow(archived bool) *fakeRow {
	return &fakeRow{
		scanFunc: func(dest ...any) error {
			if len(dest) < 9 {
				return pgx.ErrNoRows
			}
			*dest[0].(*string) = testChatID
			*dest[1].(*string) = testBotID
			*dest[2].(*string) = "telegram:12345"
			*dest[3].(*pgtype.Text) = pgtype.Text{String: "telegram", Valid: true}
			*dest[4].(*pgtype.Text) = pgtype.Text{String: "12345", Valid: true}
			*dest[5].(*bool) = false
			*dest[6].(*bool) = archived
			*dest[7].(*time.Time) = time.Now()
			*dest[8].(*time.Time) = time.Now()
			return nil
		},
	}
}

func TestGetOrCreatePlatformChatRequiresIdentity(t *testing.T) {
	store := NewStore(nil, &fakeQuerier{})
	if _, err := store.GetOrCreatePlatformChat(context.Background(), testBotID, "", "12345", ""); err == nil {
		t.Fatal("expected error for empty platform kind")
	}
	if _, err := store.GetOrCreatePlatformChat(context.Background(), testBotID, "telegram", "", ""); err == nil {
		t.Fatal("expected error for empty platform chat id")
	}
}

func TestGetOrCreatePlatformChatDefaultsTitle(t *testing.T) {
	var gotTitle string
	store := NewStore(nil, &fakeQuerier{
		queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			gotTitle = args[1].(string)
			return makeChatRow(false)
		},
	})
	chat, err := store.GetOrCreatePlatformChat(context.Background(), testBotID, "telegram", "12345", "  ")
	if err != nil {
		t.Fatalf("GetOrCreatePlatformChat: %v", err)
	}
	if gotTitle != "telegram:12345" {
		t.Fatalf("default title = %q", gotTitle)
	}
	if chat.PlatformKind != "telegram" || chat.PlatformChatID != "12345" {
		t.Fatalf("platform identity lost: %+v", chat)
	}
}

func TestGetReturnsArchivedFlag(t *testing.T) {
	store := NewStore(nil, &fakeQuerier{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return makeChatRow(true)
		},
	})
	chat, err := store.Get(context.Background(), testChatID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !chat.Archived {
		t.Fatal("archived flag not surfaced")
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewStore(nil, &fakeQuerier{})
	if _, err := store.Get(context.Background(), testChatID); err != ErrChatNotFound {
		t.Fatalf("err = %v, want ErrChatNotFound", err)
	}
}

func TestInsertRequiresRole(t *testing.T) {
	store := NewStore(nil, &fakeQuerier{})
	_, err := store.Insert(context.Background(), InsertMessage{
		BotID:  testBotID,
		ChatID: testChatID,
	})
	if err == nil {
		t.Fatal("expected error for empty role")
	}
}

func TestInsertDecodesMetadata(t *testing.T) {
	store := NewStore(nil, &fakeQuerier{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &fakeRow{
				scanFunc: func(dest ...any) error {
					*dest[0].(*string) = "0d8a3e30-9f0f-4a58-a4a7-6f2a6c93a001"
					*dest[1].(*string) = testBotID
					*dest[2].(*string) = testChatID
					*dest[3].(*string) = RoleAssistant
					*dest[4].(*string) = "hello"
					*dest[5].(*pgtype.UUID) = pgtype.UUID{}
					*dest[6].(*[]byte) = []byte(`{"usage":{"total_tokens":42}}`)
					*dest[7].(*time.Time) = time.Now()
					return nil
				},
			}
		},
	})
	msg, err := store.Insert(context.Background(), InsertMessage{
		BotID:   testBotID,
		ChatID:  testChatID,
		Role:    RoleAssistant,
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	usage, ok := msg.Metadata["usage"].(map[string]any)
	if !ok || usage["total_tokens"] != float64(42) {
		t.Fatalf("metadata decoded wrong: %v", msg.Metadata)
	}
}

func TestSetArchivedNotFound(t *testing.T) {
	store := NewStore(nil, &fakeQuerier{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	})
	if err := store.SetArchived(context.Background(), testChatID, true); err != ErrChatNotFound {
		t.Fatalf("err = %v, want ErrChatNotFound", err)
	}
}
