package oppool

import (
	"context"
	"errors"
	"testing"

	xerrors "AegisVault/internal/errors"
)

func newStoredOp(id, acct string, maxRetries int) *Operation {
	return &Operation{
		ID:         id,
		Account:    acct,
		Mode:       "0x0000",
		Batch:      []BatchItem{{Target: "0x00000000000000000000000000000000000000e1"}},
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
}

// setUpdatedAt 直接改写落库时间戳，让排序断言不依赖真实时钟。
func setUpdatedAt(t *testing.T, store *MemoryStore, id string, ts int64) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	op, ok := store.ops[id]
	if !ok {
		t.Fatalf("operation %s missing", id)
	}
	op.UpdatedAt = ts
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, nil); err == nil {
		t.Fatal("nil operation accepted")
	}
	if err := store.Create(ctx, &Operation{}); err == nil {
		t.Fatal("operation without ID accepted")
	}

	op := newStoredOp("op-1", "0x00000000000000000000000000000000000000a1", 3)
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}
	if op.CreatedAt == 0 || op.UpdatedAt == 0 {
		t.Fatal("create must stamp timestamps")
	}
	if err := store.Create(ctx, newStoredOp("op-1", "0x00000000000000000000000000000000000000a1", 3)); !errors.Is(err, ErrOpConflict) {
		t.Fatalf("duplicate create, got %v", err)
	}

	got, err := store.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Get 返回副本，改写副本不得污染存储。
	got.Batch[0].Target = "0xdead"
	got.Status = StatusFailed
	again, err := store.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != StatusPending || again.Batch[0].Target == "0xdead" {
		t.Fatal("store leaked internal state through Get")
	}

	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrOpNotFound) {
		t.Fatalf("unknown operation, got %v", err)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newStoredOp("op-1", "0x00000000000000000000000000000000000000a1", 2)); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "op-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusExecuting || claimed.Attempts != 1 {
		t.Fatalf("claim state: status=%s attempts=%d", claimed.Status, claimed.Attempts)
	}

	// 执行中的操作不能被并发领取。
	if _, err := store.Claim(ctx, "op-1"); !errors.Is(err, ErrOpConflict) {
		t.Fatalf("claim while executing, got %v", err)
	}

	if err := store.MarkFailed(ctx, "op-1", CodeOpProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := store.Get(ctx, "op-1")
	if got.Status != StatusFailed || got.LastError != "boom" || got.ErrorCode != string(CodeOpProcessing) {
		t.Fatalf("failed state not recorded: %+v", got)
	}

	// 再次领取消耗第二次额度并清空上次错误。
	claimed, err = store.Claim(ctx, "op-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed.Attempts != 2 || claimed.LastError != "" || claimed.ErrorCode != "" {
		t.Fatalf("second claim state: %+v", claimed)
	}

	record := ExecutionRecord{Validation: "0", Outcomes: []Outcome{{Success: true, Output: "0x01"}}}
	if err := store.MarkSucceeded(ctx, "op-1", record); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, _ = store.Get(ctx, "op-1")
	if got.Status != StatusSucceeded || got.Result == nil || len(got.Result.Outcomes) != 1 {
		t.Fatalf("succeeded state not recorded: %+v", got)
	}
	if _, err := store.Claim(ctx, "op-1"); !errors.Is(err, ErrOpCompleted) {
		t.Fatalf("claim of completed operation, got %v", err)
	}

	if _, err := store.Claim(ctx, "ghost"); !errors.Is(err, ErrOpNotFound) {
		t.Fatalf("claim unknown, got %v", err)
	}
	if err := store.MarkSucceeded(ctx, "ghost", record); !errors.Is(err, ErrOpNotFound) {
		t.Fatalf("mark unknown succeeded, got %v", err)
	}
	if err := store.MarkFailed(ctx, "ghost", CodeOpProcessing, "x", true); !errors.Is(err, ErrOpNotFound) {
		t.Fatalf("mark unknown failed, got %v", err)
	}
}

func TestMemoryStoreClaimExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newStoredOp("op-1", "0x00000000000000000000000000000000000000a1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Claim(ctx, "op-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "op-1", CodeOpProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "op-1"); !errors.Is(err, ErrOpExhausted) {
		t.Fatalf("exhausted claim, got %v", err)
	}
}

func TestMemoryStoreListFiltersAndPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acctA := "0x00000000000000000000000000000000000000a1"
	acctB := "0x00000000000000000000000000000000000000b2"

	seeds := []struct {
		id        string
		acct      string
		status    Status
		updatedAt int64
	}{
		{"op-1", acctA, StatusPending, 100},
		{"op-2", acctA, StatusSucceeded, 200},
		{"op-3", acctB, StatusFailed, 300},
		{"op-4", acctB, StatusPending, 400},
		{"op-5", acctA, StatusExecuting, 500},
	}
	for _, seed := range seeds {
		op := newStoredOp(seed.id, seed.acct, 3)
		op.Status = seed.status
		if err := store.Create(ctx, op); err != nil {
			t.Fatalf("create %s: %v", seed.id, err)
		}
		setUpdatedAt(t, store, seed.id, seed.updatedAt)
	}

	// 默认按更新时间倒序。
	ops, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 5 || ops[0].ID != "op-5" || ops[4].ID != "op-1" {
		t.Fatalf("default order wrong: %v", opIDs(ops))
	}

	ops, _ = store.List(ctx, ListOptions{Order: SortByUpdatedAsc})
	if ops[0].ID != "op-1" || ops[4].ID != "op-5" {
		t.Fatalf("ascending order wrong: %v", opIDs(ops))
	}

	ops, _ = store.List(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if len(ops) != 2 || ops[0].ID != "op-4" || ops[1].ID != "op-1" {
		t.Fatalf("status filter wrong: %v", opIDs(ops))
	}

	// 账户筛选不区分大小写。
	ops, _ = store.List(ctx, ListOptions{Account: "0x00000000000000000000000000000000000000B2"})
	if len(ops) != 2 || ops[0].ID != "op-4" || ops[1].ID != "op-3" {
		t.Fatalf("account filter wrong: %v", opIDs(ops))
	}

	ops, _ = store.List(ctx, ListOptions{UpdatedGTE: 200, UpdatedLTE: 400})
	if len(ops) != 3 || ops[0].ID != "op-4" || ops[2].ID != "op-2" {
		t.Fatalf("time range filter wrong: %v", opIDs(ops))
	}

	ops, _ = store.List(ctx, ListOptions{Offset: 1, Limit: 2})
	if len(ops) != 2 || ops[0].ID != "op-4" || ops[1].ID != "op-3" {
		t.Fatalf("pagination wrong: %v", opIDs(ops))
	}
	ops, _ = store.List(ctx, ListOptions{Offset: 10})
	if len(ops) != 0 {
		t.Fatalf("offset beyond results should be empty, got %v", opIDs(ops))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acct := "0x00000000000000000000000000000000000000a1"

	statuses := []Status{StatusPending, StatusPending, StatusExecuting, StatusSucceeded, StatusFailed}
	for i, status := range statuses {
		op := newStoredOp(opID(i), acct, 3)
		op.Status = status
		if err := store.Create(ctx, op); err != nil {
			t.Fatalf("create: %v", err)
		}
		setUpdatedAt(t, store, op.ID, int64(100*(i+1)))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Pending != 2 || stats.Executing != 1 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Fatalf("stats counts: %+v", stats)
	}
	if stats.OldestUpdatedAt != 100 || stats.NewestUpdatedAt != 500 {
		t.Fatalf("stats range: oldest=%d newest=%d", stats.OldestUpdatedAt, stats.NewestUpdatedAt)
	}

	stats, _ = store.Stats(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if stats.Total != 2 || stats.Pending != 2 {
		t.Fatalf("filtered stats: %+v", stats)
	}

	stats, _ = store.Stats(ctx, ListOptions{Account: "0xffffffffffffffffffffffffffffffffffffffff"})
	if stats.Total != 0 || stats.OldestUpdatedAt != 0 || stats.NewestUpdatedAt != 0 {
		t.Fatalf("empty stats must be zeroed: %+v", stats)
	}
}

func TestMemoryStoreMarkFailedCode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newStoredOp("op-1", "0x00000000000000000000000000000000000000a1", 3)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkFailed(ctx, "op-1", xerrors.CodeStorageFailure, "db down", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := store.Get(ctx, "op-1")
	if got.ErrorCode != string(xerrors.CodeStorageFailure) {
		t.Fatalf("error code = %s", got.ErrorCode)
	}
}

func opID(i int) string {
	return "op-" + string(rune('1'+i))
}

func opIDs(ops []*Operation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids
}
