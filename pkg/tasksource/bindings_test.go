package tasksource

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBindingStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBindingStore()

	if _, err := s.Lookup(ctx, "src-1"); !errors.Is(err, ErrNotBound) {
		t.Errorf("tasksource:bindings_test - expected ErrNotBound, got %v", err)
	}

	_ = s.Bind(ctx, Binding{SourceID: "src-2", Fitable: "b", Source: ThirdPartyPushSource{Platform: "p"}})
	_ = s.Bind(ctx, Binding{SourceID: "src-1", Fitable: "a", Source: ScheduleSource{Cron: "x"}})
	_ = s.Bind(ctx, Binding{SourceID: "src-1", Fitable: "c", Source: ScheduleSource{Cron: "x"}})

	b, err := s.Lookup(ctx, "src-1")
	if err != nil || b.Fitable != "c" || b.CreatedAt.IsZero() {
		t.Errorf("tasksource:bindings_test - Lookup = %+v, %v", b, err)
	}

	all, _ := s.List(ctx)
	if len(all) != 2 || all[0].SourceID != "src-1" || all[1].SourceID != "src-2" {
		t.Errorf("tasksource:bindings_test - List = %+v", all)
	}

	if ok, _ := s.Unbind(ctx, "src-1"); !ok {
		t.Error("tasksource:bindings_test - Unbind reported nothing removed")
	}
	if ok, _ := s.Unbind(ctx, "src-1"); ok {
		t.Error("tasksource:bindings_test - second Unbind reported success")
	}
}
