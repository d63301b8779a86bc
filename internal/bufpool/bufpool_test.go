// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("hello")
	Put(b)

	b2 := Get()
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
}

func TestConcurrentEncode(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := EncodeJSON(map[string]int{"i": i})
			if err != nil {
				t.Error(err)
				return
			}
			var out map[string]int
			if err := json.Unmarshal(b.Bytes(), &out); err != nil || out["i"] != i {
				t.Errorf("unexpected round trip %q: %v", b.String(), err)
			}
			Put(b)
		}()
	}
	wg.Wait()
}

func TestEncodeJSON(t *testing.T) {
	b, err := EncodeJSON(map[string]string{"data": `{"q":"a<b"}`})
	if err != nil {
		t.Fatal(err)
	}
	defer Put(b)

	want := `{"data":"{\"q\":\"a<b\"}"}`
	if b.String() != want {
		t.Fatalf("expected %s, got %s", want, b.String())
	}

	if _, err := EncodeJSON(make(chan int)); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}
