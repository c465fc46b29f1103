package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestScopeDestroy(t *testing.T) {
	s := NewScope(context.Background(), "main")
	if !s.Alive() {
		t.Fatal("New scope should be alive")
	}

	s.Destroy()
	s.Destroy()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Destroy")
	}
	if s.Alive() {
		t.Error("Destroyed scope reports alive")
	}
}

func TestScopeFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := NewScope(parent, "child")

	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Scope did not end with its parent")
	}
}
