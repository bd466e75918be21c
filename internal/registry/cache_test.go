package registry

import (
	"sync"
	"testing"
	"time"
)

func TestCache_FreshHit(t *testing.T) {
	c := NewToolCache(30 * time.Second)
	tool := &ToolDefinition{ToolName: "send_email", Enabled: true}
	c.Set("send_email", tool)

	result := c.Get("send_email")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Fatal("expected fresh, got needs refresh")
	}
	if result.Tool.ToolName != "send_email" {
		t.Fatalf("expected send_email, got %s", result.Tool.ToolName)
	}
}

func TestCache_Miss(t *testing.T) {
	c := NewToolCache(30 * time.Second)
	result := c.Get("nonexistent")
	if result.Hit {
		t.Fatal("expected miss")
	}
	if result.Tool != nil {
		t.Fatal("expected nil tool on miss")
	}
}

func TestCache_NegativeCache(t *testing.T) {
	c := NewToolCache(30 * time.Second)
	c.Set("unknown_tool", nil) // negative cache

	result := c.Get("unknown_tool")
	if !result.Hit {
		t.Fatal("expected cache hit for negative cache")
	}
	if result.Tool != nil {
		t.Fatal("expected nil tool for negative cache")
	}
}

func TestCache_StaleHit_ReturnsValueAndSignalsRefresh(t *testing.T) {
	c := NewToolCache(1 * time.Millisecond)
	tool := &ToolDefinition{ToolName: "query_db", Enabled: true}
	c.Set("query_db", tool)

	time.Sleep(5 * time.Millisecond)

	result := c.Get("query_db")
	if !result.Hit {
		t.Fatal("expected stale hit")
	}
	if !result.NeedsRefresh {
		t.Fatal("expected needs refresh on stale")
	}
	if result.Tool.ToolName != "query_db" {
		t.Fatalf("expected query_db, got %s", result.Tool.ToolName)
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := NewToolCache(1 * time.Millisecond)
	tool := &ToolDefinition{ToolName: "query_db", Enabled: true}
	c.Set("query_db", tool)

	time.Sleep(5 * time.Millisecond)

	refreshCount := 0
	for i := 0; i < 10; i++ {
		result := c.Get("query_db")
		if result.NeedsRefresh {
			refreshCount++
		}
	}
	if refreshCount != 1 {
		t.Fatalf("expected exactly one refresh signal, got %d", refreshCount)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewToolCache(30 * time.Second)
	tool := &ToolDefinition{ToolName: "shared", Enabled: true}
	c.Set("shared", tool)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Get("shared")
				c.Set("shared", tool)
			}
		}()
	}
	wg.Wait()
}
