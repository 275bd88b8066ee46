package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMapTrims(t *testing.T) {
	got := NormalizeStringMap(map[string]string{
		" orderId ": " ord_1 ",
		"refundId":  " rf_1",
		"note":      "  ",
		"  ":        "dropped",
		"":          "dropped",
	})

	want := map[string]string{
		"orderId":  "ord_1",
		"refundId": "rf_1",
		"note":     "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
}

func TestNormalizeStringMapEmpty(t *testing.T) {
	if NormalizeStringMap(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
	if NormalizeStringMap(map[string]string{}) != nil {
		t.Fatal("expected nil for empty input")
	}
	if NormalizeStringMap(map[string]string{" ": "x"}) != nil {
		t.Fatal("expected nil when every key trims away")
	}
}
