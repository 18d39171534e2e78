package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func setupTestEngine(t *testing.T) *BadgerEngine {
	t.Helper()

	engine, err := NewEngine(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage engine: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
	})

	return engine
}

func TestEngine_PutGet(t *testing.T) {
	engine := setupTestEngine(t)

	key := []byte("rule:bl:abc123")
	value := []byte(`{"kind":"ip","pattern":"198.51.100.1"}`)

	if err := engine.Put(key, value); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := engine.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(value) {
		t.Errorf("Get() = %s, want %s", got, value)
	}
}

func TestEngine_GetNotFound(t *testing.T) {
	engine := setupTestEngine(t)

	if _, err := engine.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEngine_Exists(t *testing.T) {
	engine := setupTestEngine(t)

	key := []byte("probe")

	ok, err := engine.Exists(key)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if ok {
		t.Error("Exists() = true for missing key")
	}

	if err := engine.Put(key, []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ok, err = engine.Exists(key)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !ok {
		t.Error("Exists() = false for present key")
	}
}

func TestEngine_Delete(t *testing.T) {
	engine := setupTestEngine(t)

	key := []byte("rule:bl:abc123")
	if err := engine.Put(key, []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := engine.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := engine.Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestEngine_ListByPrefix(t *testing.T) {
	engine := setupTestEngine(t)

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("rule:bl:%d", i)
		if err := engine.Put([]byte(key), []byte("bl")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := engine.Put([]byte("rule:rl:api"), []byte("rl")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := engine.List([]byte("rule:bl:"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("List() returned %d entries, want 3", len(got))
	}
	if _, ok := got["rule:rl:api"]; ok {
		t.Error("List() leaked an entry from another prefix")
	}
}

func TestEngine_UpdateCreatesMissingKey(t *testing.T) {
	engine := setupTestEngine(t)

	key := []byte("counter")
	err := engine.Update(key, func(current []byte) ([]byte, error) {
		if current != nil {
			t.Errorf("current = %s for missing key, want nil", current)
		}
		return json.Marshal(1)
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := engine.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "1" {
		t.Errorf("Get() = %s, want 1", got)
	}
}

func TestEngine_UpdatePropagatesCallbackError(t *testing.T) {
	engine := setupTestEngine(t)

	wantErr := errors.New("nope")
	err := engine.Update([]byte("k"), func([]byte) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Update() error = %v, want %v", err, wantErr)
	}

	if _, err := engine.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Error("failed Update() left a value behind")
	}
}

func TestEngine_UpdateConcurrentIncrements(t *testing.T) {
	engine := setupTestEngine(t)

	key := []byte("counter")
	const workers = 8
	const increments = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := engine.Update(key, func(current []byte) ([]byte, error) {
					n := 0
					if current != nil {
						if err := json.Unmarshal(current, &n); err != nil {
							return nil, err
						}
					}
					return json.Marshal(n + 1)
				})
				if err != nil {
					t.Errorf("Update() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := engine.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	n := 0
	if err := json.Unmarshal(got, &n); err != nil {
		t.Fatalf("counter is not a number: %s", got)
	}
	if n != workers*increments {
		t.Errorf("counter = %d, want %d (lost increments)", n, workers*increments)
	}
}
