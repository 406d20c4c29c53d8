package ctxutil

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestTimeLeftTillDeadline(t *testing.T) {
	if v := TimeLeftTillDeadline(context.TODO()); v != "∞" {
		t.Fatalf("expected ∞ for no deadline, got %q", v)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour+time.Second+555*time.Millisecond)
	fmt.Println(TimeLeftTillDeadline(ctx))
	cancel()
	fmt.Println(TimeLeftTillDeadline(ctx))
	if d := DurationTillDeadline(ctx); d != 0 {
		t.Fatalf("expected 0 after cancel, got %v", d)
	}
}
