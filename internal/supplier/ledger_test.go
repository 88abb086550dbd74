package supplier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLedgerClaimOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if ok, _ := l.Claim(ctx, "/a"); !ok {
		t.Fatalf("first claim should succeed")
	}
	if ok, _ := l.Claim(ctx, "/a"); ok {
		t.Fatalf("second claim should be rejected")
	}
	if err := l.Release(ctx, "/a"); err != nil {
		t.Fatalf("释放失败: %v", err)
	}
	if ok, _ := l.Claim(ctx, "/a"); !ok {
		t.Fatalf("claim after release should succeed")
	}
	if l.Len() != 1 {
		t.Fatalf("unexpected ledger size: %d", l.Len())
	}
}

func TestRedisLedgerClaimReleaseAndExpiry(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	l := NewRedisLedger(client, "famsupply:ledger:ftp-1", time.Minute)
	if ok, err := l.Claim(ctx, "/in/a.txt"); err != nil || !ok {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if ok, err := l.Claim(ctx, "/in/a.txt"); err != nil || ok {
		t.Fatalf("duplicate claim should be rejected: %v", err)
	}

	// 另一个进程共享同一前缀时同样看到该记录。
	other := NewRedisLedger(client, "famsupply:ledger:ftp-1", time.Minute)
	if ok, _ := other.Claim(ctx, "/in/a.txt"); ok {
		t.Fatalf("ledger must be shared across instances")
	}

	srv.FastForward(2 * time.Minute)
	if ok, _ := l.Claim(ctx, "/in/a.txt"); !ok {
		t.Fatalf("expired claim should be claimable again")
	}
	if err := l.Release(ctx, "/in/a.txt"); err != nil {
		t.Fatalf("释放失败: %v", err)
	}
	if ok, _ := l.Claim(ctx, "/in/a.txt"); !ok {
		t.Fatalf("released claim should be claimable again")
	}
}
