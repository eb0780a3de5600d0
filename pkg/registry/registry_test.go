package registry

import (
	"fmt"
	"reflect"
	"testing"
)

type entry struct {
	ID    string
	Label string
}

func TestBaseRegistry_Register(t *testing.T) {
	r := NewBaseRegistry[entry]()

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "register_new_item", id: "openai", wantErr: false},
		{name: "register_empty_name", id: "", wantErr: true},
		{name: "register_duplicate", id: "openai", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.id, entry{ID: tt.id})
			if (err != nil) != tt.wantErr {
				t.Errorf("Register(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestBaseRegistry_Set(t *testing.T) {
	r := NewBaseRegistry[entry]()

	if err := r.Register("anthropic", entry{ID: "anthropic", Label: "v1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Set replaces an existing item without error.
	r.Set("anthropic", entry{ID: "anthropic", Label: "v2"})

	got, ok := r.Get("anthropic")
	if !ok {
		t.Fatal("Get() after Set returned ok = false")
	}
	if got.Label != "v2" {
		t.Errorf("Get() Label = %q, want %q", got.Label, "v2")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	// Set also inserts when the name is new.
	r.Set("gemini", entry{ID: "gemini"})
	if r.Count() != 2 {
		t.Errorf("Count() after insert = %d, want 2", r.Count())
	}

	// Empty names are ignored.
	r.Set("", entry{ID: "x"})
	if r.Count() != 2 {
		t.Errorf("Count() after empty Set = %d, want 2", r.Count())
	}
}

func TestBaseRegistry_Get(t *testing.T) {
	r := NewBaseRegistry[entry]()

	want := entry{ID: "openai", Label: "OpenAI"}
	if err := r.Register("openai", want); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Get("openai")
	if !ok || got != want {
		t.Errorf("Get(openai) = %+v, %v; want %+v, true", got, ok, want)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) ok = true, want false")
	}
}

func TestBaseRegistry_Names(t *testing.T) {
	r := NewBaseRegistry[entry]()

	for _, id := range []string{"openai", "anthropic", "gemini"} {
		if err := r.Register(id, entry{ID: id}); err != nil {
			t.Fatalf("Register(%q) error = %v", id, err)
		}
	}

	want := []string{"anthropic", "gemini", "openai"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestBaseRegistry_List(t *testing.T) {
	r := NewBaseRegistry[entry]()

	if len(r.List()) != 0 {
		t.Errorf("List() on empty registry length = %d, want 0", len(r.List()))
	}

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if err := r.Register(id, entry{ID: id}); err != nil {
			t.Fatalf("Register(%q) error = %v", id, err)
		}
	}

	items := r.List()
	if len(items) != len(ids) {
		t.Fatalf("List() length = %d, want %d", len(items), len(ids))
	}

	seen := make(map[string]bool)
	for _, item := range items {
		seen[item.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("List() missing item %q", id)
		}
	}
}

func TestBaseRegistry_Remove(t *testing.T) {
	r := NewBaseRegistry[entry]()

	if err := r.Register("openai", entry{ID: "openai"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := r.Remove("openai"); err != nil {
		t.Errorf("Remove(openai) error = %v", err)
	}
	if _, ok := r.Get("openai"); ok {
		t.Error("Get() after Remove ok = true, want false")
	}

	if err := r.Remove("openai"); err == nil {
		t.Error("Remove() of absent item error = nil, want error")
	}
}

func TestBaseRegistry_Clear(t *testing.T) {
	r := NewBaseRegistry[entry]()

	for _, id := range []string{"a", "b"} {
		if err := r.Register(id, entry{ID: id}); err != nil {
			t.Fatalf("Register(%q) error = %v", id, err)
		}
	}

	r.Clear()

	if r.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", r.Count())
	}
	if _, ok := r.Get("a"); ok {
		t.Error("Get() after Clear ok = true, want false")
	}
}

func TestBaseRegistry_Concurrency(t *testing.T) {
	r := NewBaseRegistry[entry]()

	done := make(chan bool, 3)

	go func() {
		defer func() { done <- true }()
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("item-%d", i)
			_ = r.Register(id, entry{ID: id})
		}
	}()

	go func() {
		defer func() { done <- true }()
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("item-%d", i)
			r.Set(id, entry{ID: id, Label: "replaced"})
		}
	}()

	go func() {
		defer func() { done <- true }()
		for i := 0; i < 100; i++ {
			r.Get(fmt.Sprintf("item-%d", i))
			r.Count()
			r.Names()
		}
	}()

	<-done
	<-done
	<-done

	if count := r.Count(); count != 100 {
		t.Errorf("Count() after concurrent access = %d, want 100", count)
	}
}
