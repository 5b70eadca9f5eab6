package envutil

import (
	"testing"
	"time"
)

func TestParsersFallBackOnGarbage(t *testing.T) {
	t.Setenv("ENVUTIL_INT", "nope")
	t.Setenv("ENVUTIL_FLOAT", "2.5")
	t.Setenv("ENVUTIL_BOOL", "off")
	t.Setenv("ENVUTIL_MS", "-3")

	if got := Int("ENVUTIL_INT", 7); got != 7 {
		t.Fatalf("Int: got=%d want=7", got)
	}
	if got := Float("ENVUTIL_FLOAT", 1); got != 2.5 {
		t.Fatalf("Float: got=%v want=2.5", got)
	}
	if got := Bool("ENVUTIL_BOOL", true); got {
		t.Fatalf("Bool: got=true want=false")
	}
	if got := Millis("ENVUTIL_MS", time.Second); got != time.Second {
		t.Fatalf("Millis: got=%v want=1s", got)
	}
	if got := String("ENVUTIL_UNSET", "d"); got != "d" {
		t.Fatalf("String: got=%q want=d", got)
	}
}
