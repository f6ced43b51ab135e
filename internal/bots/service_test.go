package bots

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRow implements pgx.Row with a custom scan function.
type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	return r.scanFunc(dest...)
}

// fakeQuerier implements db.Querier for unit testing.
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

func makeBotRow(botID, ownerID string, capabilities, models string) *fakeRow {
	return &fakeRow{
		scanFunc: func(dest ...any) error {
			if len(dest) < 9 {
				return pgx.ErrNoRows
			}
			*dest[0].(*string) = botID
			*dest[1].(*string) = ownerID
			*dest[2].(*string) = "support"
			*dest[3].(*string) = "gpt-4o"
			*dest[4].(*string) = "be helpful"
			*dest[5].(*[]byte) = []byte(capabilities)
			*dest[6].(*[]byte) = []byte(models)
			*dest[7].(*time.Time) = time.Now()
			*dest[8].(*time.Time) = time.Now()
			return nil
		},
	}
}

const (
	testBotID   = "3e0f9a4e-9a94-4c39-9de5-08ab08c55f95"
	testOwnerID = "a7a4f7cd-0c89-43d2-8f27-5e1c36ac2b11"
	testOtherID = "4f3cf0d1-6d77-4fd4-9b08-2f7d4bbcd9a2"
)

func TestGetDecodesCapabilitiesAndModels(t *testing.T) {
	svc := NewService(nil, &fakeQuerier{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return makeBotRow(testBotID, testOwnerID,
				`{"vision":true,"contacts":false}`, `{"utility":"gpt-4o-mini"}`)
		},
	})
	bot, err := svc.Get(context.Background(), testBotID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bot.HasCapability(CapabilityVision) || bot.HasCapability(CapabilityContacts) {
		t.Fatalf("capabilities decoded wrong: %v", bot.Capabilities)
	}
	if bot.ModelFor(ModelSlotUtility) != "gpt-4o-mini" {
		t.Fatalf("utility model = %q", bot.ModelFor(ModelSlotUtility))
	}
	if bot.ModelFor(ModelSlotVision) != "gpt-4o" {
		t.Fatalf("empty slot must fall back to primary model, got %q", bot.ModelFor(ModelSlotVision))
	}
}

func TestGetNotFound(t *testing.T) {
	svc := NewService(nil, &fakeQuerier{})
	if _, err := svc.Get(context.Background(), testBotID); err != ErrBotNotFound {
		t.Fatalf("err = %v, want ErrBotNotFound", err)
	}
}

func TestGetRejectsMalformedID(t *testing.T) {
	svc := NewService(nil, &fakeQuerier{})
	if _, err := svc.Get(context.Background(), "not-a-uuid"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestCreateRequiresName(t *testing.T) {
	svc := NewService(nil, &fakeQuerier{})
	if _, err := svc.Create(context.Background(), testOwnerID, CreateBotRequest{Name: "  "}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestAuthorizeOwner(t *testing.T) {
	svc := NewService(nil, &fakeQuerier{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return makeBotRow(testBotID, testOwnerID, `{}`, `{}`)
		},
	})
	ctx := context.Background()

	if _, err := svc.AuthorizeOwner(ctx, testOwnerID, testBotID, false); err != nil {
		t.Fatalf("owner should be authorized: %v", err)
	}
	if _, err := svc.AuthorizeOwner(ctx, testOtherID, testBotID, false); err != ErrBotAccessDenied {
		t.Fatalf("err = %v, want ErrBotAccessDenied", err)
	}
	if _, err := svc.AuthorizeOwner(ctx, testOtherID, testBotID, true); err != nil {
		t.Fatalf("admin should be authorized: %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	svc := NewService(nil, &fakeQuerier{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 0"), nil
		},
	})
	if err := svc.Delete(context.Background(), testBotID); err != ErrBotNotFound {
		t.Fatalf("err = %v, want ErrBotNotFound", err)
	}
}
